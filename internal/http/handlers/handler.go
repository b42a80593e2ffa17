package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/entitlement"
	"payments_service/internal/http/middleware"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/payment"
	"payments_service/internal/payout"
	"payments_service/internal/wallet"
	"payments_service/internal/webhook"
)

type Handler struct {
	Payments    *payment.Orchestrator
	Webhooks    *webhook.Reconciler
	Wallets     *wallet.Service
	Ledger      *ledger.Service
	Commerce    *commerce.Service
	Payouts     *payout.Service
	Entitlement *entitlement.Gate
	Log         *logrus.Logger
}

func (h *Handler) log() *logrus.Logger {
	return logger.OrDefault(h.Log)
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		middleware.Abort(c, apperror.Wrap(err, apperror.ErrCodeBadRequest, "invalid request body"))
		return false
	}
	return true
}

func parseMethod(raw string) (ledger.PaymentMethod, error) {
	m, err := ledger.ParsePaymentMethod(raw)
	if err != nil {
		return "", apperror.Validation("payment_method", "must be wallet or ccbill")
	}
	return m, nil
}

func pagination(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	return limit, offset
}
