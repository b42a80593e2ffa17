package payment

import (
	"context"

	"payments_service/internal/apperror"
	"payments_service/internal/content"
	"payments_service/internal/ledger"
)

func (o *Orchestrator) Tip(ctx context.Context, req TipRequest) (*Result, error) {
	if req.ReceiverID == "" && req.Subject.IsZero() {
		return nil, apperror.Validation("receiver_id", "is required")
	}
	return o.ProcessPayment(ctx, Request{
		PayerID:    req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Amount,
		Type:       ledger.TypeTip,
		Subject:    req.Subject,
		Method:     req.Method,
		Context:    req.Context,
	})
}

// Purchase unlocks a single priced item. The price always comes from the
// owning collaborator, never from the client.
func (o *Orchestrator) Purchase(ctx context.Context, req PurchaseRequest) (*Result, error) {
	switch req.Subject.Kind {
	case ledger.SubjectPost, ledger.SubjectMedia, ledger.SubjectMessage:
	default:
		return nil, apperror.Validation("purchasable_type", "must be post, media or message")
	}
	item, err := o.Subjects.Lookup(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	if !item.Price.Valid || !item.Price.Decimal.IsPositive() {
		return nil, apperror.Validation("purchasable_id", "item is not for sale")
	}
	if item.Owner == req.UserID {
		return nil, apperror.Conflict("you already own this item")
	}
	// Checked again inside the wallet transaction.
	owned, err := o.Catalog.HasActivePurchase(ctx, req.UserID, req.Subject)
	if err != nil {
		return nil, err
	}
	if owned {
		return nil, apperror.Conflict("item already purchased")
	}

	typ := ledger.TypeOneTimePurchase
	if req.Subject.Kind == ledger.SubjectMessage {
		typ = ledger.TypeMessagePurchase
	}
	return o.ProcessPayment(ctx, Request{
		PayerID:    req.UserID,
		ReceiverID: item.Owner,
		Amount:     item.Price.Decimal,
		Type:       typ,
		Subject:    req.Subject,
		Method:     req.Method,
		Context:    req.Context,
	})
}

func (o *Orchestrator) PurchaseMessage(ctx context.Context, userID, messageID string, method ledger.PaymentMethod, pctx Context) (*Result, error) {
	return o.Purchase(ctx, PurchaseRequest{
		UserID:  userID,
		Subject: ledger.Subject{Kind: ledger.SubjectMessage, ID: messageID},
		Method:  method,
		Context: pctx,
	})
}

// Subscribe charges the discounted multi-month price. The subscription row
// itself is written when the transaction settles.
func (o *Orchestrator) Subscribe(ctx context.Context, req SubscribeRequest) (*Result, error) {
	typ, ok := ledger.SubscriptionType(req.Months)
	if !ok {
		return nil, apperror.Validation("duration", "must be 1, 3, 6 or 12 months")
	}
	tier, amount, err := o.Catalog.Quote(ctx, req.TierID, req.Months)
	if err != nil {
		return nil, err
	}
	return o.ProcessPayment(ctx, Request{
		PayerID:    req.SubscriberID,
		ReceiverID: tier.CreatorID,
		Amount:     amount,
		Type:       typ,
		Subject:    ledger.Subject{Kind: ledger.SubjectTier, ID: tier.TierID},
		Method:     req.Method,
		Context:    req.Context,
	})
}

// AuthorizeMessage enforces the receiver's tip requirement. With no
// requirement the message is allowed and nothing is charged; otherwise the
// accompanying tip is processed against the message.
func (o *Orchestrator) AuthorizeMessage(ctx context.Context, req MessageRequest) (*Result, error) {
	if req.SenderID == "" || req.ReceiverID == "" {
		return nil, apperror.Validation("receiver_id", "sender and receiver are required")
	}
	minimum, required, err := o.TipPolicy.RequiredTip(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, apperror.Storage(err)
	}
	if !required {
		if !req.Tip.IsPositive() {
			return &Result{Success: true}, nil
		}
	} else if req.Tip.LessThan(minimum) || !req.Tip.IsPositive() {
		return nil, apperror.ErrTipRequired.
			WithDetail("minimum_tip", minimum.StringFixed(2)).
			WithDetail("receiver_id", req.ReceiverID)
	}

	tip := Request{
		PayerID:    req.SenderID,
		ReceiverID: req.ReceiverID,
		Amount:     req.Tip,
		Type:       ledger.TypeTip,
		Method:     req.Method,
		Context:    req.Context,
		outgoing:   true,
	}
	if req.MessageID != "" {
		tip.Subject = ledger.Subject{Kind: ledger.SubjectMessage, ID: req.MessageID}
	}
	return o.ProcessPayment(ctx, tip)
}

var _ Subjects = (*content.Registry)(nil)
