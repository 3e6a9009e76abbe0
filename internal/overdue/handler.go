package overdue

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"libris-backend/internal/platform/apperr"
)

type Handler struct{ svc *Service }

// 手動トリガ用（管理者のみ）。定期実行とは別に外部スケジューラからも叩ける
func RegisterAdminRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/sweeps/overdue", h.Sweep)
}

func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.svc.Sweep(c.Request.Context())
	if err != nil {
		c.JSON(apperr.ToHTTPStatus(err), apperr.Body(err))
		return
	}
	c.JSON(http.StatusOK, report)
}
