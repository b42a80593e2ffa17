package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"payments_service/internal/apperror"
	"payments_service/internal/http/middleware"
	"payments_service/internal/ledger"
)

func (h *Handler) ListTransactions(c *gin.Context) {
	limit, offset := pagination(c)
	rows, err := h.Ledger.ListForUser(c.Request.Context(), targetUser(c), limit, offset)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": rows})
}

func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.Ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	uid := middleware.UserID(c)
	if !middleware.IsAdmin(c) && t.Sender() != uid && t.Receiver() != uid {
		middleware.Abort(c, apperror.NotFound("transaction"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

type refundRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 && !bindJSON(c, &req) {
		return
	}
	res, err := h.Ledger.Refund(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) Subscriptions(c *gin.Context) {
	views, err := h.Commerce.Subscriptions(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": views})
}

func (h *Handler) Subscription(c *gin.Context) {
	view, err := h.Commerce.Subscription(c.Request.Context(), middleware.UserID(c), c.Param("creator_id"))
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscription": view})
}

func (h *Handler) Access(c *gin.Context) {
	kind, err := ledger.ParseSubjectKind(c.Param("type"))
	if err != nil {
		middleware.Abort(c, apperror.Validation("type", err.Error()))
		return
	}
	subject := ledger.Subject{Kind: kind, ID: c.Param("id")}
	ok, err := h.Entitlement.HasAccess(c.Request.Context(), middleware.UserID(c), subject)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"type": subject.Kind, "id": subject.ID, "unlocked": ok})
}
