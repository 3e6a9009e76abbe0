package catalog

import "time"

// 蔵書登録リクエスト（管理者のみ）
type CreateBookRequest struct {
	Title       string `json:"title" binding:"required"`
	Author      string `json:"author" binding:"required"`
	Cover       string `json:"cover" binding:"required"`
	TotalCopies int    `json:"total_copies" binding:"required"`
	// "12.99" のような文字列。floatで受けると誤差が入るため
	DailyRate string `json:"daily_rate" binding:"required"`
}

type BookResponse struct {
	BookID          int64     `json:"book_id"`
	BookULID        string    `json:"book_ulid"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	Cover           string    `json:"cover"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	DailyRate       string    `json:"daily_rate"`
	CreatedAt       time.Time `json:"created_at"`
}

func buildBookResponse(b *Book) BookResponse {
	return BookResponse{
		BookID:          b.BookID,
		BookULID:        b.BookULID,
		Title:           b.Title,
		Author:          b.Author,
		Cover:           b.Cover,
		TotalCopies:     b.TotalCopies,
		AvailableCopies: b.AvailableCopies,
		DailyRate:       b.DailyRate.StringFixed(2),
		CreatedAt:       b.CreatedAt,
	}
}
