package catalog

import (
	"context"
	"database/sql"
	"strings"

	"libris-backend/internal/platform/apperr"
	"libris-backend/internal/platform/db"
)

type Store struct {
	db *sql.DB
}

func NewStore(sqlDB *sql.DB) *Store { return &Store{db: sqlDB} }

const bookColumns = `book_id, book_ulid, title, author, cover, total_copies, available_copies, daily_rate, created_at`

func scanBook(row interface{ Scan(dest ...any) error }) (*Book, error) {
	var b Book
	err := row.Scan(
		&b.BookID, &b.BookULID, &b.Title, &b.Author, &b.Cover,
		&b.TotalCopies, &b.AvailableCopies, &b.DailyRate, &b.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperr.ErrNotFound("book not found")
		}
		return nil, err
	}
	return &b, nil
}

func (s *Store) InsertBook(ctx context.Context, b *Book) error {
	const q = `
	INSERT INTO books
	(book_ulid, title, author, cover, total_copies, available_copies, daily_rate, created_at)
	VALUES
	(?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`

	res, err := s.db.ExecContext(ctx, q,
		b.BookULID, b.Title, b.Author, b.Cover, b.TotalCopies, b.AvailableCopies, b.DailyRate,
	)
	if err != nil {
		// (title, author) は UNIQUE
		if strings.Contains(err.Error(), "Duplicate entry") {
			return apperr.ErrInvalid("book with same title and author already exists")
		}
		return err
	}
	id, _ := res.LastInsertId()
	b.BookID = id
	return nil
}

func (s *Store) GetBookByID(ctx context.Context, bookID int64) (*Book, error) {
	const q = `SELECT ` + bookColumns + ` FROM books WHERE book_id = ?`
	return scanBook(s.db.QueryRowContext(ctx, q, bookID))
}

func (s *Store) ListBooks(ctx context.Context, f BookFilter) ([]Book, error) {
	sb := strings.Builder{}
	sb.WriteString(`SELECT ` + bookColumns + ` FROM books WHERE 1=1`)

	args := []any{}
	if f.Title != nil {
		sb.WriteString(` AND title LIKE ?`)
		args = append(args, "%"+*f.Title+"%")
	}
	if f.Author != nil {
		sb.WriteString(` AND author LIKE ?`)
		args = append(args, "%"+*f.Author+"%")
	}
	if f.OnlyAvailable {
		sb.WriteString(` AND available_copies > 0`)
	}
	sb.WriteString(` ORDER BY title ASC`)
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

	var out []Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBook は蔵書の抹消。貸出・支払は FK の ON DELETE CASCADE で一緒に消える。
func (s *Store) DeleteBook(ctx context.Context, bookID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE book_id = ?`, bookID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return apperr.ErrNotFound("book not found")
	}
	return nil
}

// ---- Tx helpers ----
// 貸出・返却は borrowing 側のTxの中から在庫行を触るため、DBTX を受ける形で公開する。

// GetBookTx は在庫行をロックして取得する（FOR UPDATE）
func GetBookTx(ctx context.Context, tx db.DBTX, bookID int64) (*Book, error) {
	const q = `SELECT ` + bookColumns + ` FROM books WHERE book_id = ? FOR UPDATE`
	return scanBook(tx.QueryRowContext(ctx, q, bookID))
}

// ReserveCopyTx は在庫を1冊引き当てる。
// 同一Tx内で GetBookTx によるロック取得後に呼ぶこと。
func ReserveCopyTx(ctx context.Context, tx db.DBTX, bookID int64) error {
	const q = `
	UPDATE books SET available_copies = available_copies - 1
	WHERE book_id = ? AND available_copies > 0`
	res, err := tx.ExecContext(ctx, q, bookID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff != 1 {
		return apperr.ErrOutOfStock("no available copies")
	}
	return nil
}

// ReleaseCopyTx は在庫を1冊戻す。上限チェックはこの層では行わない
// （返却フローは生きている貸出1件につき1回しか通らない）。
func ReleaseCopyTx(ctx context.Context, tx db.DBTX, bookID int64) error {
	const q = `UPDATE books SET available_copies = available_copies + 1 WHERE book_id = ?`
	res, err := tx.ExecContext(ctx, q, bookID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff != 1 {
		return apperr.ErrNotFound("book not found")
	}
	return nil
}
