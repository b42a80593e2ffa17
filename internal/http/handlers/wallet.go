package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payments_service/internal/apperror"
	"payments_service/internal/http/middleware"
	"payments_service/internal/wallet"
)

// targetUser lets admins act on another user's wallet through ?user_id=.
func targetUser(c *gin.Context) string {
	if uid := c.Query("user_id"); uid != "" && middleware.IsAdmin(c) {
		return uid
	}
	return middleware.UserID(c)
}

func (h *Handler) Balance(c *gin.Context) {
	w, err := h.Wallets.GetBalance(c.Request.Context(), targetUser(c))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) History(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := h.Wallets.History(c.Request.Context(), targetUser(c), limit, offset)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

func (h *Handler) AddFunds(c *gin.Context) {
	h.changeFunds(c, h.Wallets.AddFunds)
}

func (h *Handler) SubtractFunds(c *gin.Context) {
	h.changeFunds(c, h.Wallets.SubtractFunds)
}

type fundsOp func(ctx context.Context, userID string, amount decimal.Decimal, bucket wallet.Bucket, reason, transactionID string) (*wallet.Wallet, error)

func (h *Handler) changeFunds(c *gin.Context, op fundsOp) {
	var req wallet.FundsRequest
	if !bindJSON(c, &req) {
		return
	}
	bucket, ok := wallet.ParseBucket(req.Bucket)
	if !ok {
		middleware.Abort(c, apperror.Validation("bucket", "must be total, pending or available_for_payout"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "admin_adjustment"
	}
	w, err := op(c.Request.Context(), req.UserID, req.Amount, bucket, reason, req.TransactionID)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}

func (h *Handler) MovePendingToAvailable(c *gin.Context) {
	var req wallet.MoveRequest
	if !bindJSON(c, &req) {
		return
	}
	w, err := h.Wallets.MovePendingToAvailable(c.Request.Context(), req.UserID, req.Amount)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": w})
}
