package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Book は books テーブルの1行を表す（蔵書タイトル。物理的な1冊ではない）
type Book struct {
	BookID          int64
	BookULID        string
	Title           string
	Author          string
	Cover           string // HARD | SOFT
	TotalCopies     int
	AvailableCopies int
	DailyRate       decimal.Decimal
	CreatedAt       time.Time
}

const (
	CoverHard = "HARD"
	CoverSoft = "SOFT"
)

// 一覧取得用の検索条件
type BookFilter struct {
	Title         *string
	Author        *string
	OnlyAvailable bool
	Limit         int
	Offset        int
}
