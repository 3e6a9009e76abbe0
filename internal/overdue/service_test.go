package overdue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libris-backend/internal/borrowing"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fakeLedger struct {
	loans   []borrowing.OverdueLoan
	gotAsOf time.Time
}

// SQL側の `due_on < ?` と同じ絞り込みを適用する
func (f *fakeLedger) ForEachOverdue(_ context.Context, asOf time.Time, fn func(od borrowing.OverdueLoan) error) error {
	f.gotAsOf = asOf
	for _, od := range f.loans {
		if !od.DueOn.Before(asOf) {
			continue
		}
		if err := fn(od); err != nil {
			return err
		}
	}
	return nil
}

type recordingNotifier struct {
	msgs   []string
	failOn map[int]bool // 何番目の通知を失敗させるか (0始まり)
	calls  int
}

func (n *recordingNotifier) Notify(_ context.Context, text string) error {
	idx := n.calls
	n.calls++
	if n.failOn[idx] {
		return errors.New("telegram down")
	}
	n.msgs = append(n.msgs, text)
	return nil
}

func overdueLoan(id int64, email, title, author string, dueOn time.Time) borrowing.OverdueLoan {
	od := borrowing.OverdueLoan{
		BookTitle:   title,
		BookAuthor:  author,
		PatronEmail: email,
	}
	od.LoanID = id
	od.DueOn = dueOn
	return od
}

func newTestSweeper(ledger LedgerPort, notifier *recordingNotifier) *Service {
	return &Service{
		ledger:   ledger,
		notifier: notifier,
		clock:    fixedClock{t: testNow},
	}
}

func TestSweep_NotifiesEachOverdueLoan(t *testing.T) {
	ledger := &fakeLedger{loans: []borrowing.OverdueLoan{
		overdueLoan(1, "alice@example.com", "Dune", "Frank Herbert", testNow.AddDate(0, 0, -3)),
		overdueLoan(2, "bob@example.com", "Solaris", "Stanislaw Lem", testNow.AddDate(0, 0, -1)),
	}}
	notifier := &recordingNotifier{failOn: map[int]bool{}}

	report, err := newTestSweeper(ledger, notifier).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Overdue)
	assert.Equal(t, 2, report.Notified)
	assert.Equal(t, 0, report.Failed)

	// 問い合わせはDATE粒度（時刻を切り捨てた当日0時）で行われる
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC), ledger.gotAsOf)

	require.Len(t, notifier.msgs, 2)
	assert.Contains(t, notifier.msgs[0], "alice@example.com has not returned 'Dune' book by Frank Herbert")
	assert.Contains(t, notifier.msgs[1], "bob@example.com has not returned 'Solaris' book by Stanislaw Lem")
}

func TestSweep_NoneOverdue(t *testing.T) {
	ledger := &fakeLedger{}
	notifier := &recordingNotifier{failOn: map[int]bool{}}

	report, err := newTestSweeper(ledger, notifier).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Overdue)
	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, "No borrowings overdue today!", notifier.msgs[0])
}

// 期限当日は延滞ではない。スイープが朝9時に走っても通知されないこと
func TestSweep_LoanDueTodayIsNotOverdue(t *testing.T) {
	dueToday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC) // testNow と同じ日
	ledger := &fakeLedger{loans: []borrowing.OverdueLoan{
		overdueLoan(1, "alice@example.com", "Dune", "Frank Herbert", dueToday),
	}}
	notifier := &recordingNotifier{failOn: map[int]bool{}}

	report, err := newTestSweeper(ledger, notifier).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Overdue)
	require.Len(t, notifier.msgs, 1)
	assert.Equal(t, "No borrowings overdue today!", notifier.msgs[0])
}

// 1件の通知失敗で残りが止まらないこと
func TestSweep_ContinuesAfterNotifyFailure(t *testing.T) {
	ledger := &fakeLedger{loans: []borrowing.OverdueLoan{
		overdueLoan(1, "alice@example.com", "Dune", "Frank Herbert", testNow.AddDate(0, 0, -3)),
		overdueLoan(2, "bob@example.com", "Solaris", "Stanislaw Lem", testNow.AddDate(0, 0, -2)),
		overdueLoan(3, "carol@example.com", "Neuromancer", "William Gibson", testNow.AddDate(0, 0, -1)),
	}}
	notifier := &recordingNotifier{failOn: map[int]bool{1: true}} // 2件目だけ失敗

	report, err := newTestSweeper(ledger, notifier).Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Overdue)
	assert.Equal(t, 2, report.Notified)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, notifier.msgs, 2)
	assert.Contains(t, notifier.msgs[0], "alice@example.com")
	assert.Contains(t, notifier.msgs[1], "carol@example.com")
}
