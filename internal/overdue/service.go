package overdue

import (
	"context"
	"fmt"
	"log"
	"time"

	"libris-backend/internal/borrowing"
	"libris-backend/internal/platform/notify"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// LedgerPort は borrowing.Service が満たす（読み取りだけ）
type LedgerPort interface {
	ForEachOverdue(ctx context.Context, asOf time.Time, fn func(od borrowing.OverdueLoan) error) error
}

// ===== Service本体 =====

// 延滞スイープ。貸出・支払のデータは一切書き換えない。効果は通知だけ。
type Service struct {
	ledger   LedgerPort
	notifier notify.Notifier
	clock    Clock
}

func NewService(ledger LedgerPort, notifier notify.Notifier) *Service {
	return &Service{
		ledger:   ledger,
		notifier: notifier,
		clock:    realClock{},
	}
}

type SweepReport struct {
	SweptAt  time.Time `json:"swept_at"`
	Overdue  int       `json:"overdue"`
	Notified int       `json:"notified"`
	Failed   int       `json:"failed"`
}

// Sweep は期限超過で未返却の貸出を1件ずつ通知する。
// 1件の通知失敗で残りを止めない（ベストエフォート、失敗はログへ）。
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	report := SweepReport{SweptAt: s.clock.Now()}

	// 期限はDATE粒度で比較する。期限当日はまだ延滞ではない
	asOf := truncateDate(report.SweptAt)

	err := s.ledger.ForEachOverdue(ctx, asOf, func(od borrowing.OverdueLoan) error {
		report.Overdue++

		msg := fmt.Sprintf(
			"%s has not returned '%s' book by %s (due %s)",
			od.PatronEmail, od.BookTitle, od.BookAuthor, od.DueOn.Format("2006-01-02"),
		)
		if nerr := s.notifier.Notify(ctx, msg); nerr != nil {
			report.Failed++
			log.Printf("[WARN] overdue notification failed for loan %d: %v", od.LoanID, nerr)
			return nil
		}
		report.Notified++
		return nil
	})
	if err != nil {
		return report, err
	}

	if report.Overdue == 0 {
		if nerr := s.notifier.Notify(ctx, "No borrowings overdue today!"); nerr != nil {
			log.Printf("[WARN] overdue notification failed: %v", nerr)
		}
	}

	return report, nil
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// RunDaily は外部スケジューラ相当の定期実行ループ。mainからgoroutineで起動する。
func (s *Service) RunDaily(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				log.Printf("[ERROR] overdue sweep failed: %v", err)
				continue
			}
			log.Printf("[INFO] overdue sweep: %d overdue, %d notified, %d failed",
				report.Overdue, report.Notified, report.Failed)
		}
	}
}
