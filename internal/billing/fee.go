package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// 料金計算は純粋関数にする。日付は全てDATE粒度・UTC。

type FeeInput struct {
	BorrowedOn time.Time
	DueOn      time.Time
	ReturnedOn *time.Time // nil なら asOf を返却日とみなす
	DailyRate  decimal.Decimal
}

type FeeResult struct {
	BaseDays    int
	OverdueDays int
	BaseAmount  decimal.Decimal
	LateFee     decimal.Decimal
	Total       decimal.Decimal
	Kind        string
}

type FeePolicy struct {
	// 延滞日には日額 × LateMultiplier を加算する
	LateMultiplier decimal.Decimal
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{LateMultiplier: decimal.NewFromInt(2)}
}

// Compute は貸出の日付と日額から支払額を算出する。
// 同一入力に対して常に同一の結果を返すこと。
func (p FeePolicy) Compute(in FeeInput, asOf time.Time) FeeResult {
	borrowed := truncateDate(in.BorrowedOn)
	due := truncateDate(in.DueOn)

	returnDay := truncateDate(asOf)
	if in.ReturnedOn != nil {
		returnDay = truncateDate(*in.ReturnedOn)
	}

	// 基本料金の対象日数は返却日と期限日の早い方まで。最低1日（即日返却でも1日分）。
	baseEnd := returnDay
	if due.Before(baseEnd) {
		baseEnd = due
	}
	baseDays := daysBetween(borrowed, baseEnd)
	if baseDays < 1 {
		baseDays = 1
	}

	overdueDays := daysBetween(due, returnDay)
	if overdueDays < 0 {
		overdueDays = 0
	}

	base := in.DailyRate.Mul(decimal.NewFromInt(int64(baseDays)))
	late := decimal.Zero
	if overdueDays > 0 {
		late = in.DailyRate.
			Mul(decimal.NewFromInt(int64(overdueDays))).
			Mul(p.LateMultiplier)
	}

	kind := KindBaseFee
	if overdueDays > 0 {
		kind = KindLateFee
	}

	// Round は half away from zero。金額は非負なので四捨五入(half-up)と同じ。
	return FeeResult{
		BaseDays:    baseDays,
		OverdueDays: overdueDays,
		BaseAmount:  base.Round(2),
		LateFee:     late.Round(2),
		Total:       base.Add(late).Round(2),
		Kind:        kind,
	}
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from) / (24 * time.Hour))
}
