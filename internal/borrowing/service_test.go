package borrowing

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libris-backend/internal/billing"
	"libris-backend/internal/catalog"
	"libris-backend/internal/platform/apperr"
)

var testToday = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDGen struct{ n int }

func (g *seqIDGen) New() (string, error) {
	g.n++
	return fmt.Sprintf("LOANULID%02d", g.n), nil
}

// ---------- fake loan store ----------
// 在庫カウンタはDBと同じ「ロックして条件付き更新」の動きをミューテックスで再現する

type fakeLoanStore struct {
	mu            sync.Mutex
	books         map[int64]*catalog.Book
	loans         map[int64]*Loan
	nextLoanID    int64
	finalizeCalls int
	failFinalize  bool
}

func newFakeLoanStore() *fakeLoanStore {
	return &fakeLoanStore{
		books: map[int64]*catalog.Book{},
		loans: map[int64]*Loan{},
	}
}

func (f *fakeLoanStore) addBook(id int64, available int, rate string) {
	f.books[id] = &catalog.Book{
		BookID:          id,
		Title:           fmt.Sprintf("Book %d", id),
		Author:          "Author",
		TotalCopies:     available,
		AvailableCopies: available,
		DailyRate:       decimal.RequireFromString(rate),
	}
}

func (f *fakeLoanStore) ExecBorrow(_ context.Context, loan *Loan) (*BorrowRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	book, ok := f.books[loan.BookID]
	if !ok {
		return nil, apperr.ErrNotFound("book not found")
	}
	if book.AvailableCopies == 0 {
		return nil, apperr.ErrOutOfStock("no available copies")
	}
	book.AvailableCopies--

	f.nextLoanID++
	loan.LoanID = f.nextLoanID
	cp := *loan
	f.loans[loan.LoanID] = &cp

	return &BorrowRow{
		Book:        *book,
		PatronEmail: fmt.Sprintf("patron%d@example.com", loan.PatronID),
	}, nil
}

func (f *fakeLoanStore) ExecFinalizeReturn(_ context.Context, loanID int64, returnedOn time.Time) (*Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failFinalize {
		return nil, apperr.ErrInternal("storage unavailable")
	}

	loan, ok := f.loans[loanID]
	if !ok {
		return nil, apperr.ErrNotFound("loan not found")
	}
	if loan.ReturnedOn.Valid {
		return nil, apperr.ErrAlreadyReturned("loan is already returned")
	}

	loan.ReturnedOn = sql.NullTime{Time: returnedOn, Valid: true}
	f.books[loan.BookID].AvailableCopies++
	f.finalizeCalls++

	cp := *loan
	return &cp, nil
}

func (f *fakeLoanStore) GetLoanByID(_ context.Context, loanID int64) (*Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loan, ok := f.loans[loanID]
	if !ok {
		return nil, apperr.ErrNotFound("loan not found")
	}
	cp := *loan
	return &cp, nil
}

func (f *fakeLoanStore) GetLoanDetail(_ context.Context, loanID int64) (*LoanDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loan, ok := f.loans[loanID]
	if !ok {
		return nil, apperr.ErrNotFound("loan not found")
	}
	return &LoanDetail{
		Loan:        *loan,
		Book:        *f.books[loan.BookID],
		PatronEmail: fmt.Sprintf("patron%d@example.com", loan.PatronID),
	}, nil
}

func (f *fakeLoanStore) ListLoans(_ context.Context, _ LoanFilter) ([]Loan, error) {
	return nil, nil
}

func (f *fakeLoanStore) ForEachOverdue(_ context.Context, _ time.Time, _ func(od OverdueLoan) error) error {
	return nil
}

func (f *fakeLoanStore) available(bookID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.books[bookID].AvailableCopies
}

// ---------- fake billing ----------

type fakeBilling struct {
	mu      sync.Mutex
	balance decimal.Decimal
	policy  billing.FeePolicy
	charges map[string]*billing.Charge // session_id -> charge
	nextID  int64
	openErr error
	pending map[int64]*billing.Charge // loan_id -> pending charge
	openCnt int
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		balance: decimal.Zero,
		policy:  billing.DefaultFeePolicy(),
		charges: map[string]*billing.Charge{},
		pending: map[int64]*billing.Charge{},
	}
}

func (f *fakeBilling) OutstandingBalance(_ context.Context, _ int64) (decimal.Decimal, error) {
	return f.balance, nil
}

func (f *fakeBilling) QuoteFee(in billing.FeeInput) billing.FeeResult {
	return f.policy.Compute(in, testToday)
}

func (f *fakeBilling) PendingChargeForLoan(_ context.Context, loanID int64) (*billing.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.pending[loanID]; ok {
		return c, nil
	}
	return nil, nil
}

func (f *fakeBilling) OpenCharge(_ context.Context, in billing.OpenChargeInput) (*billing.Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.openCnt++
	f.nextID++
	c := &billing.Charge{
		ChargeID:   f.nextID,
		LoanID:     in.LoanID,
		PatronID:   in.PatronID,
		Kind:       in.Fee.Kind,
		Status:     billing.StatusPending,
		Amount:     in.Fee.Total,
		SessionID:  fmt.Sprintf("sess_%d", f.nextID),
		SessionURL: fmt.Sprintf("https://checkout.example/s/%d", f.nextID),
	}
	f.charges[c.SessionID] = c
	f.pending[in.LoanID] = c
	return c, nil
}

func (f *fakeBilling) Settle(_ context.Context, sessionID string) (*billing.Charge, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.charges[sessionID]
	if !ok {
		return nil, false, apperr.ErrNotFound("charge not found")
	}
	if c.Status == billing.StatusSettled {
		return c, false, nil
	}
	c.Status = billing.StatusSettled
	delete(f.pending, c.LoanID)
	return c, true, nil
}

// ---------- fake notifier ----------

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (f *fakeNotifier) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, text)
	return nil
}

func (f *fakeNotifier) contains(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func newTestService(store LoanStore, billingPort BillingPort, notifier *fakeNotifier) *Service {
	return &Service{
		store:    store,
		billing:  billingPort,
		notifier: notifier,
		clock:    fixedClock{t: testToday},
		id:       &seqIDGen{},
		currency: "usd",
	}
}

// ---------- tests ----------

func TestBorrow_Success(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 3, "12.99")
	notifier := &fakeNotifier{}
	svc := newTestService(store, newFakeBilling(), notifier)

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	assert.Equal(t, testToday, loan.BorrowedOn)
	assert.True(t, loan.DueOn.After(loan.BorrowedOn))
	assert.True(t, loan.IsActive())
	assert.Equal(t, 2, store.available(1))
	assert.True(t, notifier.contains("CREATE NEW BORROWING"))
}

func TestBorrow_InvalidDueDate(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 3, "12.99")
	svc := newTestService(store, newFakeBilling(), &fakeNotifier{})

	for _, dueOn := range []time.Time{testToday, testToday.AddDate(0, 0, -1)} {
		_, err := svc.Borrow(context.Background(), 7, 1, dueOn)
		require.Error(t, err)
		assert.Equal(t, apperr.CodeInvalidDueDate, apperr.CodeOf(err))
	}
	assert.Equal(t, 3, store.available(1))
}

func TestBorrow_OutstandingDebtBlocks(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 3, "12.99") // 在庫は十分ある

	bil := newFakeBilling()
	bil.balance = decimal.RequireFromString("42.50")
	svc := newTestService(store, bil, &fakeNotifier{})

	_, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOutstandingDebt, apperr.CodeOf(err))

	// 在庫には触っていない
	assert.Equal(t, 3, store.available(1))
}

func TestBorrow_OutOfStock(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 0, "12.99")
	svc := newTestService(store, newFakeBilling(), &fakeNotifier{})

	_, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeOutOfStock, apperr.CodeOf(err))
}

// 最後の1冊への同時貸出。成功はちょうど1件で、在庫が負になることはない
func TestBorrow_ConcurrentLastCopy(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	svc := newTestService(store, newFakeBilling(), &fakeNotifier{})

	const attempts = 16
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Borrow(context.Background(), int64(100+i), 1, testToday.AddDate(0, 0, 7))
		}(i)
	}
	wg.Wait()

	succeeded, outOfStock := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case apperr.CodeOf(err) == apperr.CodeOutOfStock:
			outOfStock++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, outOfStock)
	assert.Equal(t, 0, store.available(1))
}

func TestRequestReturn_ZeroFee_FinalizesImmediately(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "0.00") // 無料の蔵書
	notifier := &fakeNotifier{}
	svc := newTestService(store, newFakeBilling(), notifier)

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)
	require.Equal(t, 0, store.available(1))

	outcome, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)

	assert.False(t, outcome.PaymentRequired())
	assert.False(t, outcome.Loan.IsActive())
	assert.Equal(t, 1, store.available(1))
	assert.True(t, notifier.contains("RETURNED THE BORROWING"))
}

func TestRequestReturn_FeeOwed_LoanStaysActiveUntilSettlement(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	bil := newFakeBilling()
	svc := newTestService(store, bil, &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	outcome, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)

	require.True(t, outcome.PaymentRequired())
	assert.NotEmpty(t, outcome.Charge.SessionURL)

	// 支払いが済むまで貸出はACTIVEのまま、在庫も引当のまま
	current, err := store.GetLoanByID(context.Background(), loan.LoanID)
	require.NoError(t, err)
	assert.True(t, current.IsActive())
	assert.Equal(t, 0, store.available(1))
	assert.Equal(t, 0, store.finalizeCalls)
}

func TestRequestReturn_ExistingPendingChargeIsReused(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	bil := newFakeBilling()
	svc := newTestService(store, bil, &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	first, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)
	require.True(t, first.PaymentRequired())

	// 2回目は新しいセッションを作らず同じChargeを案内する
	second, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)
	require.True(t, second.PaymentRequired())
	assert.Equal(t, first.Charge.SessionID, second.Charge.SessionID)
	assert.Equal(t, 1, bil.openCnt)
}

// 同じ貸出への同時返却リクエスト。PENDING Chargeと決済セッションは1つしか作られない
func TestRequestReturn_ConcurrentRequestsOpenOneCharge(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	bil := newFakeBilling()
	svc := newTestService(store, bil, &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	const attempts = 8
	outcomes := make([]*ReturnOutcome, attempts)
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], errs[i] = svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
		}(i)
	}
	wg.Wait()

	for i := 0; i < attempts; i++ {
		require.NoError(t, errs[i])
		require.True(t, outcomes[i].PaymentRequired())
		assert.Equal(t, outcomes[0].Charge.SessionID, outcomes[i].Charge.SessionID)
	}
	assert.Equal(t, 1, bil.openCnt)
}

func TestRequestReturn_AlreadyReturned(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "0.00")
	svc := newTestService(store, newFakeBilling(), &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	_, err = svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)

	_, err = svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAlreadyReturned, apperr.CodeOf(err))

	// 在庫が二重に戻っていない
	assert.Equal(t, 1, store.available(1))
}

func TestRequestReturn_OtherPatronsLoanIsHidden(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	svc := newTestService(store, newFakeBilling(), &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	_, err = svc.RequestReturn(context.Background(), loan.LoanID, 99, false)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	// 管理者なら通る
	_, err = svc.RequestReturn(context.Background(), loan.LoanID, 99, true)
	require.NoError(t, err)
}

func TestHandleSettlement_FinalizesExactlyOnce(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	bil := newFakeBilling()
	svc := newTestService(store, bil, &fakeNotifier{})

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	outcome, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)
	require.True(t, outcome.PaymentRequired())

	charge, err := svc.HandleSettlement(context.Background(), outcome.Charge.SessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSettled, charge.Status)
	assert.Equal(t, 1, store.finalizeCalls)
	assert.Equal(t, 1, store.available(1))

	// 二重コールバック: 成功のまま、返却確定も在庫戻しも二度は走らない
	again, err := svc.HandleSettlement(context.Background(), outcome.Charge.SessionID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusSettled, again.Status)
	assert.Equal(t, 1, store.finalizeCalls)
	assert.Equal(t, 1, store.available(1))
}

func TestHandleSettlement_FinalizeFailureIsConsistencyFault(t *testing.T) {
	store := newFakeLoanStore()
	store.addBook(1, 1, "12.99")
	bil := newFakeBilling()
	notifier := &fakeNotifier{}
	svc := newTestService(store, bil, notifier)

	loan, err := svc.Borrow(context.Background(), 7, 1, testToday.AddDate(0, 0, 7))
	require.NoError(t, err)

	outcome, err := svc.RequestReturn(context.Background(), loan.LoanID, 7, false)
	require.NoError(t, err)
	require.True(t, outcome.PaymentRequired())

	store.failFinalize = true
	_, err = svc.HandleSettlement(context.Background(), outcome.Charge.SessionID)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeConsistencyFault, apperr.CodeOf(err))

	// 運用向けアラートが飛んでいる
	assert.True(t, notifier.contains("CONSISTENCY FAULT"))
}
