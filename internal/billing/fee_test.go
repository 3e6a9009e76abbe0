package billing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := date(y, m, d)
	return &t
}

func TestFeePolicy_Compute(t *testing.T) {
	policy := DefaultFeePolicy()
	rate := decimal.RequireFromString("12.99")

	tests := []struct {
		name        string
		in          FeeInput
		asOf        time.Time
		wantTotal   string
		wantBase    string
		wantLate    string
		wantKind    string
		wantBaseDay int
		wantOverdue int
	}{
		{
			name: "returned_two_days_late",
			in: FeeInput{
				BorrowedOn: date(2025, 3, 1),
				DueOn:      date(2025, 3, 8),
				ReturnedOn: datePtr(2025, 3, 10),
				DailyRate:  rate,
			},
			asOf:        date(2025, 3, 10),
			wantBase:    "90.93", // 7 * 12.99
			wantLate:    "51.96", // 2 * 12.99 * 2
			wantTotal:   "142.89",
			wantKind:    KindLateFee,
			wantBaseDay: 7,
			wantOverdue: 2,
		},
		{
			name: "same_day_return_counts_one_day",
			in: FeeInput{
				BorrowedOn: date(2025, 3, 1),
				DueOn:      date(2025, 3, 8),
				ReturnedOn: datePtr(2025, 3, 1),
				DailyRate:  rate,
			},
			asOf:        date(2025, 3, 1),
			wantBase:    "12.99",
			wantLate:    "0.00",
			wantTotal:   "12.99",
			wantKind:    KindBaseFee,
			wantBaseDay: 1,
			wantOverdue: 0,
		},
		{
			name: "on_time_return",
			in: FeeInput{
				BorrowedOn: date(2025, 3, 1),
				DueOn:      date(2025, 3, 8),
				ReturnedOn: datePtr(2025, 3, 8),
				DailyRate:  rate,
			},
			asOf:        date(2025, 3, 8),
			wantBase:    "90.93",
			wantLate:    "0.00",
			wantTotal:   "90.93",
			wantKind:    KindBaseFee,
			wantBaseDay: 7,
			wantOverdue: 0,
		},
		{
			name: "nil_returned_on_uses_as_of",
			in: FeeInput{
				BorrowedOn: date(2025, 3, 1),
				DueOn:      date(2025, 3, 8),
				DailyRate:  rate,
			},
			asOf:        date(2025, 3, 10),
			wantBase:    "90.93",
			wantLate:    "51.96",
			wantTotal:   "142.89",
			wantKind:    KindLateFee,
			wantBaseDay: 7,
			wantOverdue: 2,
		},
		{
			name: "zero_rate_is_free",
			in: FeeInput{
				BorrowedOn: date(2025, 3, 1),
				DueOn:      date(2025, 3, 8),
				ReturnedOn: datePtr(2025, 3, 10),
				DailyRate:  decimal.Zero,
			},
			asOf:        date(2025, 3, 10),
			wantBase:    "0.00",
			wantLate:    "0.00",
			wantTotal:   "0.00",
			wantKind:    KindLateFee,
			wantBaseDay: 7,
			wantOverdue: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := policy.Compute(tt.in, tt.asOf)

			assert.Equal(t, tt.wantBaseDay, got.BaseDays)
			assert.Equal(t, tt.wantOverdue, got.OverdueDays)
			assert.Equal(t, tt.wantBase, got.BaseAmount.StringFixed(2))
			assert.Equal(t, tt.wantLate, got.LateFee.StringFixed(2))
			assert.Equal(t, tt.wantTotal, got.Total.StringFixed(2))
			assert.Equal(t, tt.wantKind, got.Kind)
		})
	}
}

func TestFeePolicy_Compute_Deterministic(t *testing.T) {
	policy := DefaultFeePolicy()
	in := FeeInput{
		BorrowedOn: date(2025, 3, 1),
		DueOn:      date(2025, 3, 8),
		ReturnedOn: datePtr(2025, 3, 10),
		DailyRate:  decimal.RequireFromString("12.99"),
	}
	asOf := date(2025, 3, 15)

	first := policy.Compute(in, asOf)
	for i := 0; i < 100; i++ {
		again := policy.Compute(in, asOf)
		require.True(t, first.Total.Equal(again.Total))
		require.Equal(t, first, again)
	}
}

func TestFeePolicy_Compute_ConfigurableMultiplier(t *testing.T) {
	policy := FeePolicy{LateMultiplier: decimal.RequireFromString("1.5")}
	got := policy.Compute(FeeInput{
		BorrowedOn: date(2025, 3, 1),
		DueOn:      date(2025, 3, 8),
		ReturnedOn: datePtr(2025, 3, 10),
		DailyRate:  decimal.RequireFromString("10.00"),
	}, date(2025, 3, 10))

	// 7 * 10 + 2 * 10 * 1.5
	assert.Equal(t, "100.00", got.Total.StringFixed(2))
}

func TestFeePolicy_Compute_TimeOfDayIgnored(t *testing.T) {
	policy := DefaultFeePolicy()
	ret := time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC)
	got := policy.Compute(FeeInput{
		BorrowedOn: time.Date(2025, 3, 1, 8, 30, 0, 0, time.UTC),
		DueOn:      date(2025, 3, 8),
		ReturnedOn: &ret,
		DailyRate:  decimal.RequireFromString("12.99"),
	}, ret)

	assert.Equal(t, 2, got.OverdueDays)
	assert.Equal(t, "142.89", got.Total.StringFixed(2))
}
