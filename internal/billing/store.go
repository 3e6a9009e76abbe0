package billing

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"libris-backend/internal/platform/apperr"
)

// service のテスト用にインターフェースで切る（auth.PatronStore と同型）
type ChargeStore interface {
	InsertCharge(ctx context.Context, c *Charge) error
	GetChargeByID(ctx context.Context, chargeID int64) (*Charge, error)
	GetBySessionID(ctx context.Context, sessionID string) (*Charge, error)
	GetPendingByLoan(ctx context.Context, loanID int64) (*Charge, error)
	OutstandingBalance(ctx context.Context, patronID int64) (decimal.Decimal, error)
	MarkSettled(ctx context.Context, sessionID string) (int64, error)
	ListCharges(ctx context.Context, f ChargeFilter) ([]Charge, error)
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) ChargeStore { return &Store{db: db} }

const chargeColumns = `charge_id, charge_ulid, loan_id, patron_id, kind, status, amount, session_id, session_url, created_at, settled_at`

func scanCharge(row interface{ Scan(dest ...any) error }) (*Charge, error) {
	var c Charge
	err := row.Scan(
		&c.ChargeID, &c.ChargeULID, &c.LoanID, &c.PatronID, &c.Kind, &c.Status,
		&c.Amount, &c.SessionID, &c.SessionURL, &c.CreatedAt, &c.SettledAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound("charge not found")
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) InsertCharge(ctx context.Context, c *Charge) error {
	const q = `
	INSERT INTO charges
	(charge_ulid, loan_id, patron_id, kind, status, amount, session_id, session_url, created_at)
	VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	res, err := s.db.ExecContext(ctx, q,
		c.ChargeULID, c.LoanID, c.PatronID, c.Kind, c.Status, c.Amount, c.SessionID, c.SessionURL,
	)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	c.ChargeID = id
	return nil
}

func (s *Store) GetChargeByID(ctx context.Context, chargeID int64) (*Charge, error) {
	const q = `SELECT ` + chargeColumns + ` FROM charges WHERE charge_id = ?`
	return scanCharge(s.db.QueryRowContext(ctx, q, chargeID))
}

func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Charge, error) {
	const q = `SELECT ` + chargeColumns + ` FROM charges WHERE session_id = ?`
	return scanCharge(s.db.QueryRowContext(ctx, q, sessionID))
}

// GetPendingByLoan は貸出に対する未決済のChargeを返す。無ければ nil。
func (s *Store) GetPendingByLoan(ctx context.Context, loanID int64) (*Charge, error) {
	const q = `SELECT ` + chargeColumns + ` FROM charges WHERE loan_id = ? AND status = 'PENDING' LIMIT 1`
	c, err := scanCharge(s.db.QueryRowContext(ctx, q, loanID))
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeNotFound {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// OutstandingBalance は未決済Chargeの合計額。貸出・返却完了のゲートに使う。
func (s *Store) OutstandingBalance(ctx context.Context, patronID int64) (decimal.Decimal, error) {
	const q = `SELECT COALESCE(SUM(amount), 0) FROM charges WHERE patron_id = ? AND status = 'PENDING'`
	var sum decimal.Decimal
	if err := s.db.QueryRowContext(ctx, q, patronID).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// MarkSettled は PENDING → SETTLED の遷移を行い、遷移した行数を返す。
// 条件付きUPDATEなので、二重コールバックが来ても遷移は一度しか起きない。
func (s *Store) MarkSettled(ctx context.Context, sessionID string) (int64, error) {
	const q = `
	UPDATE charges SET status = 'SETTLED', settled_at = CURRENT_TIMESTAMP
	WHERE session_id = ? AND status = 'PENDING'`
	res, err := s.db.ExecContext(ctx, q, sessionID)
	if err != nil {
		return 0, err
	}
	aff, _ := res.RowsAffected()
	return aff, nil
}

func (s *Store) ListCharges(ctx context.Context, f ChargeFilter) ([]Charge, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + chargeColumns + ` FROM charges WHERE 1=1`)

	args := []any{}
	if f.PatronID != nil {
		sb.WriteString(` AND patron_id = ?`)
		args = append(args, *f.PatronID)
	}
	if f.LoanID != nil {
		sb.WriteString(` AND loan_id = ?`)
		args = append(args, *f.LoanID)
	}
	if f.Status != nil {
		sb.WriteString(` AND status = ?`)
		args = append(args, *f.Status)
	}
	sb.WriteString(` ORDER BY created_at DESC`)
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	sb.WriteString(` LIMIT ? OFFSET ?`)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
