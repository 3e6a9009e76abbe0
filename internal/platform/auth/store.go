package auth

import (
	"context"
	"database/sql"
	"errors"
)

type Patron struct {
	PatronID     int64
	Email        string
	PasswordHash string
	Role         string
	IsDisabled   bool
	CreatedAt    string
}

type PatronStore interface {
	GetByEmail(ctx context.Context, email string) (*Patron, error)
	GetByID(ctx context.Context, id int64) (*Patron, error)
	Create(ctx context.Context, p *Patron) error
	Delete(ctx context.Context, id int64) (int64, error)
}

type Store struct{ db *sql.DB }

func NewStore(db *sql.DB) PatronStore {
	return &Store{db: db}
}

func (s *Store) GetByEmail(ctx context.Context, email string) (*Patron, error) {
	const q = `
SELECT patron_id, email, password_hash, role, is_disabled, created_at
FROM patrons
WHERE email = ?
LIMIT 1
`
	return s.scanOne(s.db.QueryRowContext(ctx, q, email))
}

func (s *Store) GetByID(ctx context.Context, id int64) (*Patron, error) {
	const q = `
SELECT patron_id, email, password_hash, role, is_disabled, created_at
FROM patrons
WHERE patron_id = ?
LIMIT 1
`
	return s.scanOne(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) scanOne(row *sql.Row) (*Patron, error) {
	var p Patron
	var isDisabledInt int
	err := row.Scan(
		&p.PatronID,
		&p.Email,
		&p.PasswordHash,
		&p.Role,
		&isDisabledInt,
		&p.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if isDisabledInt != 0 {
		p.IsDisabled = true
	}
	return &p, nil
}

func (s *Store) Create(ctx context.Context, p *Patron) error {
	const q = `
INSERT INTO patrons (email, password_hash, role, is_disabled, created_at)
VALUES (?, ?, ?, 0, NOW(6))
`
	res, err := s.db.ExecContext(ctx, q, p.Email, p.PasswordHash, p.Role)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	p.PatronID = id
	return nil
}

// 利用者の抹消。貸出・支払はFKの ON DELETE CASCADE で一緒に消える。
func (s *Store) Delete(ctx context.Context, id int64) (int64, error) {
	const q = `DELETE FROM patrons WHERE patron_id = ?`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}
