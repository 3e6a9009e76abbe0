package borrowing

// 貸出登録リクエスト
type BorrowRequest struct {
	BookID int64 `json:"book_id" binding:"required"`
	// "2006-01-02" 形式の文字列を想定（DATE）
	DueOn string `json:"due_on" binding:"required"`
}

type LoanResponse struct {
	LoanID     int64   `json:"loan_id"`
	LoanULID   string  `json:"loan_ulid"`
	BookID     int64   `json:"book_id"`
	PatronID   int64   `json:"patron_id"`
	BorrowedOn string  `json:"borrowed_on"`
	DueOn      string  `json:"due_on"`
	ReturnedOn *string `json:"returned_on,omitempty"`
	IsActive   bool    `json:"is_active"`
}

func buildLoanResponse(l *Loan) LoanResponse {
	resp := LoanResponse{
		LoanID:     l.LoanID,
		LoanULID:   l.LoanULID,
		BookID:     l.BookID,
		PatronID:   l.PatronID,
		BorrowedOn: l.BorrowedOn.Format("2006-01-02"),
		DueOn:      l.DueOn.Format("2006-01-02"),
		IsActive:   l.IsActive(),
	}
	if l.ReturnedOn.Valid {
		v := l.ReturnedOn.Time.Format("2006-01-02")
		resp.ReturnedOn = &v
	}
	return resp
}

// 返却完了レスポンス。料金が必要な場合はこの形ではなく
// 402 の PAYMENT_REQUIRED エラー（detail に amount / session_url）を返す
type ReturnResponse struct {
	Loan            LoanResponse `json:"loan"`
	PaymentRequired bool         `json:"payment_required"`
}
