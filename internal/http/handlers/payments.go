package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"payments_service/internal/apperror"
	"payments_service/internal/http/middleware"
	"payments_service/internal/ledger"
	"payments_service/internal/payment"
)

type tipRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	ReceiverID     string          `json:"receiver_id"`
	TippableType   string          `json:"tippable_type"`
	TippableID     string          `json:"tippable_id"`
	PaymentMethod  string          `json:"payment_method"`
	TrackingLinkID string          `json:"tracking_link_id"`
}

type purchaseRequest struct {
	PurchasableType string `json:"purchasable_type" binding:"required"`
	PurchasableID   string `json:"purchasable_id" binding:"required"`
	PaymentMethod   string `json:"payment_method"`
	TrackingLinkID  string `json:"tracking_link_id"`
}

type purchaseMessageRequest struct {
	MessageID      string `json:"message_id" binding:"required"`
	PaymentMethod  string `json:"payment_method"`
	TrackingLinkID string `json:"tracking_link_id"`
}

type subscribeRequest struct {
	Duration       int    `json:"duration" binding:"required"`
	PaymentMethod  string `json:"payment_method"`
	TrackingLinkID string `json:"tracking_link_id"`
}

type authorizeMessageRequest struct {
	ReceiverID     string          `json:"receiver_id" binding:"required"`
	MessageID      string          `json:"message_id"`
	TipAmount      decimal.Decimal `json:"tip_amount"`
	PaymentMethod  string          `json:"payment_method"`
	TrackingLinkID string          `json:"tracking_link_id"`
}

func paymentContext(c *gin.Context, trackingLinkID string) payment.Context {
	return payment.Context{TrackingLinkID: trackingLinkID, Source: c.GetHeader("X-Source")}
}

// respondPayment answers 200 for approvals and 202 when the client has to
// follow a redirect to the gateway.
func respondPayment(c *gin.Context, res *payment.Result, err error) {
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	status := http.StatusOK
	if res.RedirectRequired {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) Tip(c *gin.Context) {
	var req tipRequest
	if !bindJSON(c, &req) {
		return
	}
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	var subject ledger.Subject
	if req.TippableType != "" {
		kind, err := ledger.ParseSubjectKind(req.TippableType)
		if err != nil {
			middleware.Abort(c, apperror.Validation("tippable_type", err.Error()))
			return
		}
		subject = ledger.Subject{Kind: kind, ID: req.TippableID}
	}

	res, err := h.Payments.Tip(c.Request.Context(), payment.TipRequest{
		SenderID:   middleware.UserID(c),
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Subject:    subject,
		Method:     method,
		Context:    paymentContext(c, req.TrackingLinkID),
	})
	respondPayment(c, res, err)
}

func (h *Handler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if !bindJSON(c, &req) {
		return
	}
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	kind, err := ledger.ParseSubjectKind(req.PurchasableType)
	if err != nil {
		middleware.Abort(c, apperror.Validation("purchasable_type", err.Error()))
		return
	}

	res, err := h.Payments.Purchase(c.Request.Context(), payment.PurchaseRequest{
		UserID:  middleware.UserID(c),
		Subject: ledger.Subject{Kind: kind, ID: req.PurchasableID},
		Method:  method,
		Context: paymentContext(c, req.TrackingLinkID),
	})
	respondPayment(c, res, err)
}

func (h *Handler) PurchaseMessage(c *gin.Context) {
	var req purchaseMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	res, err := h.Payments.PurchaseMessage(c.Request.Context(), middleware.UserID(c), req.MessageID, method, paymentContext(c, req.TrackingLinkID))
	respondPayment(c, res, err)
}

func (h *Handler) Subscribe(c *gin.Context) {
	var req subscribeRequest
	if !bindJSON(c, &req) {
		return
	}
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	res, err := h.Payments.Subscribe(c.Request.Context(), payment.SubscribeRequest{
		SubscriberID: middleware.UserID(c),
		TierID:       c.Param("id"),
		Months:       req.Duration,
		Method:       method,
		Context:      paymentContext(c, req.TrackingLinkID),
	})
	respondPayment(c, res, err)
}

func (h *Handler) AuthorizeMessage(c *gin.Context) {
	var req authorizeMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	method, err := parseMethod(req.PaymentMethod)
	if err != nil {
		middleware.Abort(c, err)
		return
	}
	res, err := h.Payments.AuthorizeMessage(c.Request.Context(), payment.MessageRequest{
		SenderID:   middleware.UserID(c),
		ReceiverID: req.ReceiverID,
		MessageID:  req.MessageID,
		Tip:        req.TipAmount,
		Method:     method,
		Context:    paymentContext(c, req.TrackingLinkID),
	})
	respondPayment(c, res, err)
}
