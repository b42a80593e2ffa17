package payment

import (
	"github.com/shopspring/decimal"

	"payments_service/internal/ledger"
)

// Context is request scoped attribution. It travels with the request and
// ends up in the transaction's additional data.
type Context struct {
	TrackingLinkID string `json:"tracking_link_id,omitempty"`
	Source         string `json:"source,omitempty"`
}

type Request struct {
	PayerID    string
	ReceiverID string
	Amount     decimal.Decimal
	Type       ledger.Type
	Subject    ledger.Subject
	Method     ledger.PaymentMethod
	Context    Context
	Extra      map[string]any

	// outgoing marks a tip attached to a message the payer is sending. The
	// payer owns that message, so the receiver is its recipient.
	outgoing bool
}

type Result struct {
	Success          bool                 `json:"success"`
	TransactionID    string               `json:"transaction_id,omitempty"`
	PaymentMethod    ledger.PaymentMethod `json:"payment_method,omitempty"`
	Status           ledger.Status        `json:"status,omitempty"`
	RedirectRequired bool                 `json:"redirect_required"`
	RedirectURL      string               `json:"redirect_url,omitempty"`
	ErrorReason      string               `json:"error_reason,omitempty"`
}

type TipRequest struct {
	SenderID   string
	ReceiverID string
	Amount     decimal.Decimal
	Subject    ledger.Subject
	Method     ledger.PaymentMethod
	Context    Context
}

type PurchaseRequest struct {
	UserID  string
	Subject ledger.Subject
	Method  ledger.PaymentMethod
	Context Context
}

type SubscribeRequest struct {
	SubscriberID string
	TierID       string
	Months       int
	Method       ledger.PaymentMethod
	Context      Context
}

// MessageRequest is evaluated when a user sends a direct message.
type MessageRequest struct {
	SenderID   string
	ReceiverID string
	MessageID  string
	Tip        decimal.Decimal
	Method     ledger.PaymentMethod
	Context    Context
}

const (
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonGatewayError      = "gateway_error"
)
