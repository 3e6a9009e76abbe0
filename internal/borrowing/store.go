package borrowing

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"libris-backend/internal/catalog"
	"libris-backend/internal/platform/apperr"
	"libris-backend/internal/platform/db"
)

// service のテスト用にインターフェースで切る
type LoanStore interface {
	ExecBorrow(ctx context.Context, loan *Loan) (*BorrowRow, error)
	ExecFinalizeReturn(ctx context.Context, loanID int64, returnedOn time.Time) (*Loan, error)
	GetLoanDetail(ctx context.Context, loanID int64) (*LoanDetail, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
	ForEachOverdue(ctx context.Context, asOf time.Time, fn func(od OverdueLoan) error) error
}

// 貸出Txの結果。通知メッセージの組み立てに使う
type BorrowRow struct {
	Book        catalog.Book
	PatronEmail string
}

type Store struct{ db *sql.DB }

func NewStore(sqlDB *sql.DB) LoanStore { return &Store{db: sqlDB} }

const loanColumns = `loan_id, loan_ulid, book_id, patron_id, borrowed_on, due_on, returned_on`

func scanLoan(row interface{ Scan(dest ...any) error }) (*Loan, error) {
	var l Loan
	err := row.Scan(
		&l.LoanID, &l.LoanULID, &l.BookID, &l.PatronID,
		&l.BorrowedOn, &l.DueOn, &l.ReturnedOn,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound("loan not found")
		}
		return nil, err
	}
	return &l, nil
}

// ExecBorrow は貸出Txの全体を実行する。
// 在庫行ロック → 在庫チェック → 引当 → 貸出行INSERT を1つのTxで行い、
// 途中で失敗したら全部巻き戻る（引当だけ残ることはない）。
func (s *Store) ExecBorrow(ctx context.Context, loan *Loan) (*BorrowRow, error) {
	var result BorrowRow

	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		// 1. 在庫行ロック
		book, err := catalog.GetBookTx(ctx, tx, loan.BookID)
		if err != nil {
			return err
		}

		// 2. 在庫チェック & 引当
		if err := catalog.ReserveCopyTx(ctx, tx, loan.BookID); err != nil {
			return err
		}

		// 3. 貸出行INSERT
		const q = `
		INSERT INTO loans
		(loan_ulid, book_id, patron_id, borrowed_on, due_on, returned_on)
		VALUES
		(?, ?, ?, ?, ?, NULL)`
		res, err := tx.ExecContext(ctx, q,
			loan.LoanULID, loan.BookID, loan.PatronID, loan.BorrowedOn, loan.DueOn,
		)
		if err != nil {
			return err
		}
		id, _ := res.LastInsertId()
		loan.LoanID = id

		// 4. 通知用に利用者情報も同じTxで読む
		var email string
		if err := tx.QueryRowContext(ctx,
			`SELECT email FROM patrons WHERE patron_id = ?`, loan.PatronID,
		).Scan(&email); err != nil {
			if err == sql.ErrNoRows {
				return apperr.ErrNotFound("patron not found")
			}
			return err
		}

		book.AvailableCopies-- // 引当後の値に合わせる
		result.Book = *book
		result.PatronEmail = email
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ExecFinalizeReturn は返却確定Txの全体を実行する。
// 貸出行ロック → 返却済みチェック → returned_on 設定 → 在庫戻し の順。
// 貸出クローズが在庫戻しより先なのは意図的。間でクラッシュしても
// 「閉じた貸出の在庫が戻っていない」という保守的な状態にしかならない。
func (s *Store) ExecFinalizeReturn(ctx context.Context, loanID int64, returnedOn time.Time) (*Loan, error) {
	var result *Loan

	err := db.RunInTx(ctx, s.db, nil, func(ctx context.Context, tx db.DBTX) error {
		const lockQ = `SELECT ` + loanColumns + ` FROM loans WHERE loan_id = ? FOR UPDATE`
		loan, err := scanLoan(tx.QueryRowContext(ctx, lockQ, loanID))
		if err != nil {
			return err
		}

		if loan.ReturnedOn.Valid {
			return apperr.ErrAlreadyReturned("loan is already returned")
		}

		const closeQ = `UPDATE loans SET returned_on = ? WHERE loan_id = ? AND returned_on IS NULL`
		res, err := tx.ExecContext(ctx, closeQ, returnedOn, loanID)
		if err != nil {
			return err
		}
		aff, _ := res.RowsAffected()
		if aff != 1 {
			return apperr.ErrAlreadyReturned("loan is already returned")
		}

		if err := catalog.ReleaseCopyTx(ctx, tx, loan.BookID); err != nil {
			return err
		}

		loan.ReturnedOn = sql.NullTime{Time: returnedOn, Valid: true}
		result = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) GetLoanDetail(ctx context.Context, loanID int64) (*LoanDetail, error) {
	const q = `
	SELECT
		l.loan_id, l.loan_ulid, l.book_id, l.patron_id, l.borrowed_on, l.due_on, l.returned_on,
		b.book_id, b.book_ulid, b.title, b.author, b.cover, b.total_copies, b.available_copies, b.daily_rate, b.created_at,
		p.email
	FROM loans l
	JOIN books b ON b.book_id = l.book_id
	JOIN patrons p ON p.patron_id = l.patron_id
	WHERE l.loan_id = ?`

	var d LoanDetail
	err := s.db.QueryRowContext(ctx, q, loanID).Scan(
		&d.LoanID, &d.LoanULID, &d.BookID, &d.PatronID, &d.BorrowedOn, &d.DueOn, &d.ReturnedOn,
		&d.Book.BookID, &d.Book.BookULID, &d.Book.Title, &d.Book.Author, &d.Book.Cover,
		&d.Book.TotalCopies, &d.Book.AvailableCopies, &d.Book.DailyRate, &d.Book.CreatedAt,
		&d.PatronEmail,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound("loan not found")
		}
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + loanColumns + ` FROM loans WHERE 1=1`)

	args := []any{}
	if f.PatronID != nil {
		sb.WriteString(` AND patron_id = ?`)
		args = append(args, *f.PatronID)
	}
	if f.IsActive != nil {
		if *f.IsActive {
			sb.WriteString(` AND returned_on IS NULL`)
		} else {
			sb.WriteString(` AND returned_on IS NOT NULL`)
		}
	}
	sb.WriteString(` ORDER BY due_on ASC`)
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

	var out []Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ForEachOverdue は asOf 時点で期限超過かつ未返却の貸出を
// 期限の古い順に1件ずつ fn へ流す。行を貯め込まずそのまま流す。
// 読み取り専用Txなので貸出・返却のトラフィックとロック競合しない。
func (s *Store) ForEachOverdue(ctx context.Context, asOf time.Time, fn func(od OverdueLoan) error) error {
	return db.ReadOnly(ctx, s.db, func(ctx context.Context, tx db.DBTX) error {
		const q = `
		SELECT
			l.loan_id, l.loan_ulid, l.book_id, l.patron_id, l.borrowed_on, l.due_on, l.returned_on,
			b.title, b.author,
			p.email
		FROM loans l
		JOIN books b ON b.book_id = l.book_id
		JOIN patrons p ON p.patron_id = l.patron_id
		WHERE l.returned_on IS NULL AND l.due_on < ?
		ORDER BY l.due_on ASC`

		rows, err := tx.QueryContext(ctx, q, asOf)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var od OverdueLoan
			if err := rows.Scan(
				&od.LoanID, &od.LoanULID, &od.BookID, &od.PatronID,
				&od.BorrowedOn, &od.DueOn, &od.ReturnedOn,
				&od.BookTitle, &od.BookAuthor, &od.PatronEmail,
			); err != nil {
				return err
			}
			if err := fn(od); err != nil {
				return err
			}
		}
		return rows.Err()
	})
}
