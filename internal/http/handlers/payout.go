package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payments_service/internal/http/middleware"
	"payments_service/internal/payout"
)

type createMethodRequest struct {
	Type      string         `json:"type" binding:"required"`
	Details   map[string]any `json:"details"`
	IsDefault bool           `json:"is_default"`
}

type payoutRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	PayoutMethodID string          `json:"payout_method_id" binding:"required"`
}

func (h *Handler) CreatePayoutMethod(c *gin.Context) {
	var req createMethodRequest
	if !bindJSON(c, &req) {
		return
	}
	m, err := h.Payouts.CreateMethod(c.Request.Context(), middleware.UserID(c), payout.MethodType(req.Type), req.Details, req.IsDefault)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout_method": m})
}

func (h *Handler) DeletePayoutMethod(c *gin.Context) {
	if err := h.Payouts.DeleteMethod(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		middleware.Abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ListPayoutRequests(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := h.Payouts.List(c.Request.Context(), targetUser(c), limit, offset)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout_requests": rows})
}

func (h *Handler) RequestPayout(c *gin.Context) {
	var req payoutRequest
	if !bindJSON(c, &req) {
		return
	}
	r, err := h.Payouts.RequestPayout(c.Request.Context(), middleware.UserID(c), req.Amount, req.PayoutMethodID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout_request": r})
}

func (h *Handler) CancelPayout(c *gin.Context) {
	res, err := h.Payouts.CancelPayout(c.Request.Context(), middleware.UserID(c), c.Param("id"), middleware.IsAdmin(c))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) MarkPayoutProcessing(c *gin.Context) {
	r, err := h.Payouts.MarkProcessing(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout_request": r})
}

func (h *Handler) MarkPayoutCompleted(c *gin.Context) {
	r, err := h.Payouts.MarkCompleted(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payout_request": r})
}
