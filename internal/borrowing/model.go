package borrowing

import (
	"database/sql"
	"time"

	"libris-backend/internal/catalog"
)

// Loan は loans テーブルの1行を表す。
// borrowed_on / due_on / returned_on は全てDATE粒度・UTC。
type Loan struct {
	LoanID     int64
	LoanULID   string
	BookID     int64
	PatronID   int64
	BorrowedOn time.Time
	DueOn      time.Time
	ReturnedOn sql.NullTime
}

// 返却日が入ったら二度と外れない（貸出の再オープンは無い）
func (l *Loan) IsActive() bool { return !l.ReturnedOn.Valid }

// LoanDetail は返却フロー・詳細表示で使う結合ビュー
type LoanDetail struct {
	Loan
	Book        catalog.Book
	PatronEmail string
}

// OverdueLoan は延滞スイープ用の読み取りビュー
type OverdueLoan struct {
	Loan
	BookTitle   string
	BookAuthor  string
	PatronEmail string
}

// 一覧取得用の検索条件
type LoanFilter struct {
	PatronID *int64
	IsActive *bool
	Limit    int
	Offset   int
}
