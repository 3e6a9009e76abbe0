package borrowing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"libris-backend/internal/billing"
	"libris-backend/internal/platform/apperr"
	"libris-backend/internal/platform/notify"
)

// ===== インターフェース群 =====

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type IDGen interface {
	New() (string, error)
}

type ulidGen struct{}

func (ulidGen) New() (string, error) {
	t := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	id, err := ulid.New(ulid.Timestamp(t), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// BillingPort は billing.Service が満たす。テストではフェイクに差し替える。
type BillingPort interface {
	OutstandingBalance(ctx context.Context, patronID int64) (decimal.Decimal, error)
	QuoteFee(in billing.FeeInput) billing.FeeResult
	PendingChargeForLoan(ctx context.Context, loanID int64) (*billing.Charge, error)
	OpenCharge(ctx context.Context, in billing.OpenChargeInput) (*billing.Charge, error)
	Settle(ctx context.Context, sessionID string) (*billing.Charge, bool, error)
}

// ===== Service本体（貸出ライフサイクルの調停役） =====

type Service struct {
	store    LoanStore
	billing  BillingPort
	notifier notify.Notifier
	clock    Clock
	id       IDGen
	currency string

	// loan_id -> *sync.Mutex。返却リクエストを貸出単位で直列化する
	returnMu sync.Map
}

func NewService(sqlDB *sql.DB, billingSvc BillingPort, notifier notify.Notifier, currency string) *Service {
	return &Service{
		store:    NewStore(sqlDB),
		billing:  billingSvc,
		notifier: notifier,
		clock:    realClock{},
		id:       ulidGen{},
		currency: currency,
	}
}

// 貸出登録。
// 未決済残高がある利用者は在庫の有無に関わらず借りられない。
func (s *Service) Borrow(ctx context.Context, patronID, bookID int64, dueOn time.Time) (*Loan, error) {
	today := truncateDate(s.clock.Now())
	dueOn = truncateDate(dueOn)

	if !dueOn.After(today) {
		return nil, apperr.ErrInvalidDueDate("due_on must be after today")
	}

	balance, err := s.billing.OutstandingBalance(ctx, patronID)
	if err != nil {
		return nil, err
	}
	if balance.IsPositive() {
		return nil, apperr.
			ErrOutstandingDebt("patron has unsettled charges").
			WithDetail("balance", balance.StringFixed(2))
	}

	idStr, err := s.id.New()
	if err != nil {
		return nil, err
	}

	loan := &Loan{
		LoanULID:   idStr,
		BookID:     bookID,
		PatronID:   patronID,
		BorrowedOn: today,
		DueOn:      dueOn,
	}

	row, err := s.store.ExecBorrow(ctx, loan)
	if err != nil {
		return nil, err
	}

	// 通知はベストエフォート。失敗しても貸出自体は成立している
	msg := fmt.Sprintf(
		"📒CREATE NEW BORROWING:📒\n\nPatron: %s\nBook: %s by %s\nBorrow date: %s\nDue date: %s",
		row.PatronEmail, row.Book.Title, row.Book.Author,
		loan.BorrowedOn.Format("2006-01-02"), loan.DueOn.Format("2006-01-02"),
	)
	if err := s.notifier.Notify(ctx, msg); err != nil {
		log.Printf("[WARN] borrow notification failed: %v", err)
	}

	return loan, nil
}

// RequestReturn の結果。支払いが必要な場合はChargeが入る。
type ReturnOutcome struct {
	Loan   *Loan
	Charge *billing.Charge // nil なら返却完了（支払い不要または0円）
}

func (o *ReturnOutcome) PaymentRequired() bool { return o.Charge != nil }

// 返却リクエスト。
// 料金が発生する場合は決済セッションを案内し、貸出はACTIVEのまま・在庫も引当のまま残す
// （支払い前に返したことにして料金を回避されないように）。
// 同一貸出への同時リクエストは直列化する。未決済チェックとCharge作成の間に
// 並行リクエストが割り込むと、同じ貸出にPENDING Chargeが二重に作られてしまう。
func (s *Service) RequestReturn(ctx context.Context, loanID, actorID int64, isAdmin bool) (*ReturnOutcome, error) {
	mu := s.loanMutex(loanID)
	mu.Lock()
	defer mu.Unlock()

	detail, err := s.store.GetLoanDetail(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && detail.PatronID != actorID {
		// 他人の貸出は存在ごと隠す
		return nil, apperr.ErrNotFound("loan not found")
	}
	if detail.ReturnedOn.Valid {
		return nil, apperr.ErrAlreadyReturned("loan is already returned")
	}

	// 既に未決済のChargeがあるならセッションを作り直さず同じものを案内する
	pending, err := s.billing.PendingChargeForLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if pending != nil {
		return &ReturnOutcome{Loan: &detail.Loan, Charge: pending}, nil
	}

	fee := s.billing.QuoteFee(billing.FeeInput{
		BorrowedOn: detail.BorrowedOn,
		DueOn:      detail.DueOn,
		DailyRate:  detail.Book.DailyRate,
	})

	// 0円なら支払いステップを飛ばして即確定
	if fee.Total.IsZero() {
		loan, err := s.finalizeReturn(ctx, loanID)
		if err != nil {
			return nil, err
		}
		s.notifyReturned(ctx, detail, decimal.Zero)
		return &ReturnOutcome{Loan: loan}, nil
	}

	charge, err := s.billing.OpenCharge(ctx, billing.OpenChargeInput{
		LoanID:      loanID,
		PatronID:    detail.PatronID,
		PatronEmail: detail.PatronEmail,
		BookTitle:   detail.Book.Title,
		Fee:         fee,
	})
	if err != nil {
		return nil, err
	}

	return &ReturnOutcome{Loan: &detail.Loan, Charge: charge}, nil
}

// HandleSettlement は決済完了コールバックの入口。
// 冪等: 同じセッションIDで二度呼ばれても、返却確定・在庫戻しは一度しか走らない。
func (s *Service) HandleSettlement(ctx context.Context, sessionID string) (*billing.Charge, error) {
	charge, first, err := s.billing.Settle(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !first {
		// 二重コールバック。何もせず成功で返す
		return charge, nil
	}

	if _, err := s.finalizeReturn(ctx, charge.LoanID); err != nil {
		// 決済はコミット済みなのでここで失敗すると帳尻が合わなくなる。
		// 黙殺せず、ログと運用チャットの両方に上げる
		fault := apperr.ErrConsistencyFault(
			fmt.Sprintf("charge %d settled but return finalization failed for loan %d: %v",
				charge.ChargeID, charge.LoanID, err),
		)
		log.Printf("[ERROR] %v", fault)
		if nerr := s.notifier.Notify(ctx, "⚠️ CONSISTENCY FAULT: "+fault.Message); nerr != nil {
			log.Printf("[ERROR] consistency fault alert failed: %v", nerr)
		}
		return nil, fault
	}

	if detail, derr := s.store.GetLoanDetail(ctx, charge.LoanID); derr == nil {
		s.notifyReturned(ctx, detail, charge.Amount)
	}

	return charge, nil
}

func (s *Service) loanMutex(loanID int64) *sync.Mutex {
	v, _ := s.returnMu.LoadOrStore(loanID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *Service) finalizeReturn(ctx context.Context, loanID int64) (*Loan, error) {
	return s.store.ExecFinalizeReturn(ctx, loanID, truncateDate(s.clock.Now()))
}

func (s *Service) notifyReturned(ctx context.Context, detail *LoanDetail, amount decimal.Decimal) {
	paid := "no charge"
	if amount.IsPositive() {
		paid = "paid " + notify.FormatAmount(s.currency, amount)
	}
	msg := fmt.Sprintf(
		"📗RETURNED THE BORROWING:📗\n\nPatron: %s\nBook: %s by %s\nDue date: %s\nSettlement: %s",
		detail.PatronEmail, detail.Book.Title, detail.Book.Author,
		detail.DueOn.Format("2006-01-02"), paid,
	)
	if err := s.notifier.Notify(ctx, msg); err != nil {
		log.Printf("[WARN] return notification failed: %v", err)
	}
}

func (s *Service) GetLoan(ctx context.Context, loanID, actorID int64, isAdmin bool) (*LoanDetail, error) {
	detail, err := s.store.GetLoanDetail(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && detail.PatronID != actorID {
		return nil, apperr.ErrNotFound("loan not found")
	}
	return detail, nil
}

func (s *Service) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	return s.store.ListLoans(ctx, f)
}

// ForEachOverdue は延滞スイープ用の読み取り口
func (s *Service) ForEachOverdue(ctx context.Context, asOf time.Time, fn func(od OverdueLoan) error) error {
	return s.store.ForEachOverdue(ctx, asOf, fn)
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
