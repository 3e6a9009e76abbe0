package catalog

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"libris-backend/internal/platform/apperr"
)

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

type Service struct {
	store *Store
	id    IDGen
}

func NewService(db *sql.DB) *Service {
	return &Service{
		store: NewStore(db),
		id:    ulidGen{},
	}
}

// 蔵書登録
func (s *Service) CreateBook(ctx context.Context, req CreateBookRequest) (*BookResponse, error) {
	title := strings.TrimSpace(req.Title)
	author := strings.TrimSpace(req.Author)
	if title == "" || author == "" {
		return nil, apperr.ErrInvalid("title and author are required")
	}
	if req.Cover != CoverHard && req.Cover != CoverSoft {
		return nil, apperr.ErrInvalid("cover must be HARD or SOFT")
	}
	if req.TotalCopies <= 0 {
		return nil, apperr.ErrInvalid("total_copies must be > 0")
	}

	rate, err := decimal.NewFromString(req.DailyRate)
	if err != nil {
		return nil, apperr.ErrInvalid("invalid daily_rate")
	}
	if rate.IsNegative() {
		return nil, apperr.ErrInvalid("daily_rate must be >= 0")
	}

	idStr, err := s.id.New()
	if err != nil {
		return nil, err
	}

	b := &Book{
		BookULID:        idStr,
		Title:           title,
		Author:          author,
		Cover:           req.Cover,
		TotalCopies:     req.TotalCopies,
		AvailableCopies: req.TotalCopies,
		DailyRate:       rate.Round(2),
	}
	if err := s.store.InsertBook(ctx, b); err != nil {
		return nil, err
	}

	resp := buildBookResponse(b)
	return &resp, nil
}

func (s *Service) GetBook(ctx context.Context, bookID int64) (*BookResponse, error) {
	b, err := s.store.GetBookByID(ctx, bookID)
	if err != nil {
		return nil, err
	}
	resp := buildBookResponse(b)
	return &resp, nil
}

func (s *Service) ListBooks(ctx context.Context, f BookFilter) ([]BookResponse, error) {
	books, err := s.store.ListBooks(ctx, f)
	if err != nil {
		return nil, err
	}
	result := make([]BookResponse, 0, len(books))
	for i := range books {
		result = append(result, buildBookResponse(&books[i]))
	}
	return result, nil
}

// 蔵書抹消（管理者のみ）
func (s *Service) PurgeBook(ctx context.Context, bookID int64) error {
	return s.store.DeleteBook(ctx, bookID)
}
