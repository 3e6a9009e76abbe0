package billing

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"libris-backend/internal/platform/apperr"
	"libris-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// GET /payments (自分の支払い一覧。管理者は全件)
	r.GET("/payments", h.ListCharges)
	// GET /payments/:id
	r.GET("/payments/:id", h.GetCharge)
}

// 決済プロバイダからのリダイレクトで叩かれる側。認証ヘッダは付かない
func RegisterCallbackRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	// キャンセルで戻ってきた場合。セッションは失効まで（約24時間）有効なので案内だけ返す
	r.GET("/payments/cancel", h.Cancel)
}

// ---------- handlers ----------

func (h *Handler) ListCharges(c *gin.Context) {
	f := ChargeFilter{
		Limit:  parseIntDefault(c.Query("limit"), 50),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
	if v := c.Query("status"); v == StatusPending || v == StatusSettled {
		f.Status = &v
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

	charges, err := h.svc.ListCharges(c.Request.Context(), f)
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	res := make([]ChargeResponse, 0, len(charges))
	for i := range charges {
		res = append(res, buildChargeResponse(&charges[i]))
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetCharge(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, apperr.Body(apperr.ErrInvalid("invalid id")))
		return
	}

	charge, err := h.svc.GetCharge(c.Request.Context(), id)
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	// 他人の支払いは存在ごと隠す
	if !auth.IsAdmin(c) && charge.PatronID != auth.PatronIDFrom(c) {
		err := apperr.ErrNotFound("charge not found")
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}

	c.JSON(http.StatusOK, buildChargeResponse(charge))
}

func (h *Handler) Cancel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "payment can be completed later. the session stays available for about 24 hours",
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
