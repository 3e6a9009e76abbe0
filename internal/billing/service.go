package billing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"libris-backend/internal/platform/apperr"
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

// SessionPort は外部決済プロバイダへの抽象ポート
type SessionRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	SuccessURL  string
	CancelURL   string
}

type Session struct {
	ID  string
	URL string
}

type SessionPort interface {
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
}

// ===== Service本体 =====

type Config struct {
	Currency string
	// /payments/success, /payments/cancel の前につくURL
	BaseURL string
	Policy  FeePolicy
}

type Service struct {
	store ChargeStore
	port  SessionPort
	clock Clock
	id    IDGen
	cfg   Config
}

func NewService(db *sql.DB, port SessionPort, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Policy.LateMultiplier.IsZero() {
		cfg.Policy = DefaultFeePolicy()
	}
	return &Service{
		store: NewStore(db),
		port:  port,
		clock: realClock{},
		id:    ulidGen{},
		cfg:   cfg,
	}
}

// QuoteFee は現在日付での支払額を見積もる（永続化しない）
func (s *Service) QuoteFee(in FeeInput) FeeResult {
	return s.cfg.Policy.Compute(in, s.clock.Now())
}

// OutstandingBalance は未決済残高。正なら新規貸出・返却完了をブロックする。
func (s *Service) OutstandingBalance(ctx context.Context, patronID int64) (decimal.Decimal, error) {
	return s.store.OutstandingBalance(ctx, patronID)
}

// PendingChargeForLoan は貸出に紐づく未決済Charge（無ければnil）
func (s *Service) PendingChargeForLoan(ctx context.Context, loanID int64) (*Charge, error) {
	return s.store.GetPendingByLoan(ctx, loanID)
}

type OpenChargeInput struct {
	LoanID      int64
	PatronID    int64
	PatronEmail string
	BookTitle   string
	Fee         FeeResult
}

// OpenCharge は決済セッションを作ってから PENDING のChargeを永続化する。
// セッション作成に失敗した場合は何も残さない（セッション無しのChargeを作らない）。
func (s *Service) OpenCharge(ctx context.Context, in OpenChargeInput) (*Charge, error) {
	if !in.Fee.Total.IsPositive() {
		return nil, apperr.ErrInvalid("charge amount must be positive")
	}

	sess, err := s.port.CreateSession(ctx, SessionRequest{
		Amount:      in.Fee.Total,
		Currency:    s.cfg.Currency,
		Description: fmt.Sprintf("%s / %s", in.BookTitle, in.PatronEmail),
		SuccessURL:  s.cfg.BaseURL + "/api/v1/payments/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:   s.cfg.BaseURL + "/api/v1/payments/cancel",
	})
	if err != nil {
		return nil, apperr.ErrPaymentPortUnavailable("payment session creation failed: " + err.Error())
	}

	idStr, err := s.id.New()
	if err != nil {
		return nil, err
	}

	charge := &Charge{
		ChargeULID: idStr,
		LoanID:     in.LoanID,
		PatronID:   in.PatronID,
		Kind:       in.Fee.Kind,
		Status:     StatusPending,
		Amount:     in.Fee.Total,
		SessionID:  sess.ID,
		SessionURL: sess.URL,
	}
	if err := s.store.InsertCharge(ctx, charge); err != nil {
		return nil, err
	}
	return charge, nil
}

// Settle は決済完了コールバック。PENDING→SETTLED を行い、
// この呼び出しで遷移が起きたかどうか(first)を返す。
// 既にSETTLED済みのセッションIDに対しては first=false の成功（二重コールバック対策）。
func (s *Service) Settle(ctx context.Context, sessionID string) (*Charge, bool, error) {
	if sessionID == "" {
		return nil, false, apperr.ErrInvalid("session_id is required")
	}

	aff, err := s.store.MarkSettled(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}

	charge, err := s.store.GetBySessionID(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	return charge, aff == 1, nil
}

func (s *Service) GetCharge(ctx context.Context, chargeID int64) (*Charge, error) {
	return s.store.GetChargeByID(ctx, chargeID)
}

func (s *Service) ListCharges(ctx context.Context, f ChargeFilter) ([]Charge, error) {
	return s.store.ListCharges(ctx, f)
}
