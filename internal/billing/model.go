package billing

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// Charge は charges テーブルの1行を表す。
// 1つの清算イベント = 1行。決済セッションと1対1で紐づく。
type Charge struct {
	ChargeID   int64
	ChargeULID string
	LoanID     int64
	PatronID   int64
	Kind       string // BASE_FEE | LATE_FEE
	Status     string // PENDING | SETTLED
	Amount     decimal.Decimal
	SessionID  string
	SessionURL string
	CreatedAt  time.Time
	SettledAt  sql.NullTime
}

const (
	KindBaseFee = "BASE_FEE"
	KindLateFee = "LATE_FEE"

	StatusPending = "PENDING"
	StatusSettled = "SETTLED"
)

// 一覧取得用の検索条件
type ChargeFilter struct {
	PatronID *int64
	LoanID   *int64
	Status   *string
	Limit    int
	Offset   int
}
