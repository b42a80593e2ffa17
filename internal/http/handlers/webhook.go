package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"payments_service/internal/apperror"
	"payments_service/internal/http/middleware"
)

const maxWebhookBody = 1 << 20

// GatewayWebhook is called by the payment gateway without a user session.
// Any non-2xx answer makes the gateway redeliver.
func (h *Handler) GatewayWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		middleware.Abort(c, apperror.Wrap(err, apperror.ErrCodeBadRequest, "unreadable body"))
		return
	}

	results, err := h.Webhooks.Handle(c.Request.Context(), body, c.Request.Header)
	if err != nil {
		h.log().WithError(err).WithField("processed", len(results)).Warn("webhook delivery failed")
		middleware.Abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
