package borrowing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"libris-backend/internal/platform/apperr"
	"libris-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// POST /borrowings
	r.POST("/borrowings", h.Borrow)
	// GET /borrowings (一覧。is_active / patron_id で絞り込み)
	r.GET("/borrowings", h.ListLoans)
	// GET /borrowings/:id
	r.GET("/borrowings/:id", h.GetLoan)
	// POST /borrowings/:id/return
	r.POST("/borrowings/:id/return", h.RequestReturn)
}

// 決済プロバイダからのリダイレクトで叩かれる。認証ヘッダは付かない
// （セッションIDそのものが必要十分な照合キー）。
func RegisterCallbackRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.GET("/payments/success", h.PaymentSuccess)
}

// ---------- handlers ----------

func (h *Handler) Borrow(c *gin.Context) {
	var req BorrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apperr.Body(apperr.ErrInvalid("invalid json or missing required fields")))
		return
	}

	dueOn, err := time.Parse("2006-01-02", req.DueOn)
	if err != nil {
		c.JSON(http.StatusBadRequest, apperr.Body(apperr.ErrInvalid("invalid due_on format, expected YYYY-MM-DD")))
		return
	}

	patronID := auth.PatronIDFrom(c)
	loan, err := h.svc.Borrow(c.Request.Context(), patronID, req.BookID, dueOn)
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	c.Header("Location", "/borrowings/"+strconv.FormatInt(loan.LoanID, 10))
	c.JSON(http.StatusCreated, buildLoanResponse(loan))
}

func (h *Handler) ListLoans(c *gin.Context) {
	f := LoanFilter{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
	if v := c.Query("is_active"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.IsActive = &b
		}
	}

	if auth.IsAdmin(c) {
		if v := c.Query("patron_id"); v != "" {
			if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
				f.PatronID = &id
			}
		}
	} else {
		// 一般利用者は自分の分だけ
		pid := auth.PatronIDFrom(c)
		f.PatronID = &pid
	}

	loans, err := h.svc.ListLoans(c.Request.Context(), f)
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	res := make([]LoanResponse, 0, len(loans))
	for i := range loans {
		res = append(res, buildLoanResponse(&loans[i]))
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetLoan(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apperr.Body(apperr.ErrInvalid("invalid id")))
		return
	}

	detail, err := h.svc.GetLoan(c.Request.Context(), id, auth.PatronIDFrom(c), auth.IsAdmin(c))
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	resp := buildLoanResponse(&detail.Loan)
	c.JSON(http.StatusOK, gin.H{
		"loan":       resp,
		"book_title": detail.Book.Title,
		"author":     detail.Book.Author,
		"daily_rate": detail.Book.DailyRate.StringFixed(2),
	})
}

func (h *Handler) RequestReturn(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apperr.Body(apperr.ErrInvalid("invalid id")))
		return
	}

	outcome, err := h.svc.RequestReturn(c.Request.Context(), id, auth.PatronIDFrom(c), auth.IsAdmin(c))
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	if outcome.PaymentRequired() {
		// 402。決済先は detail で案内する
		perr := apperr.ErrPaymentRequired("fee must be settled before the loan is closed").
			WithDetail("amount", outcome.Charge.Amount.StringFixed(2)).
			WithDetail("session_url", outcome.Charge.SessionURL)
		c.JSON(apperr.ToHTTPStatus(perr), apperr.Body(perr))
		return
	}

	c.JSON(http.StatusOK, ReturnResponse{
		Loan:            buildLoanResponse(outcome.Loan),
		PaymentRequired: false,
	})
}

func (h *Handler) PaymentSuccess(c *gin.Context) {
	sessionID := c.Query("session_id")
	charge, err := h.svc.HandleSettlement(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "payment settled, borrowing returned",
		"charge_id": charge.ChargeID,
		"loan_id":   charge.LoanID,
		"amount":    charge.Amount.StringFixed(2),
	})
}

// ---------- helpers ----------

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}
