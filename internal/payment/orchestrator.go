package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/events"
	"payments_service/internal/gateway"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/metrics"
	"payments_service/internal/store"
	"payments_service/internal/wallet"
)

type Ledger interface {
	Record(ctx context.Context, t *ledger.Transaction) error
	RecordDeclined(ctx context.Context, attempt *ledger.Transaction, reason string) (*ledger.Transaction, error)
}

type Wallets interface {
	DebitSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
}

type Settler interface {
	ApplyFee(t *ledger.Transaction)
	Settle(ctx context.Context, t *ledger.Transaction) error
}

type Catalog interface {
	Quote(ctx context.Context, tierID string, months int) (*commerce.Tier, decimal.Decimal, error)
	HasActivePurchase(ctx context.Context, userID string, subject ledger.Subject) (bool, error)
}

type Subjects interface {
	Lookup(ctx context.Context, s ledger.Subject) (*content.Item, error)
}

type Options struct {
	DefaultMethod ledger.PaymentMethod
}

type Deps struct {
	Tx        store.TxRunner
	Ledger    Ledger
	Wallets   Wallets
	Settler   Settler
	Catalog   Catalog
	Subjects  Subjects
	Users     content.UserDirectory
	TipPolicy content.TipPolicy
	Gateway   gateway.Client
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Log       *logrus.Logger
}

// Orchestrator turns a payment request into either an approved wallet
// transaction or a pending gateway transaction plus a redirect.
type Orchestrator struct {
	Deps
	opts Options
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.DefaultMethod == "" {
		opts.DefaultMethod = ledger.MethodWallet
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NopPublisher{}
	}
	if deps.TipPolicy == nil {
		deps.TipPolicy = content.NoTipPolicy{}
	}
	deps.Log = logger.OrDefault(deps.Log)
	return &Orchestrator{Deps: deps, opts: opts}
}

func (o *Orchestrator) ProcessPayment(ctx context.Context, req Request) (*Result, error) {
	tracer := otel.Tracer("payment-orchestrator")
	ctx, span := tracer.Start(ctx, "ProcessPayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("payer_id", req.PayerID),
		attribute.String("type", string(req.Type)),
		attribute.String("amount", req.Amount.StringFixed(2)),
	)

	res, err := o.process(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (o *Orchestrator) process(ctx context.Context, req Request) (*Result, error) {
	receiver, err := o.validate(ctx, &req)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = o.opts.DefaultMethod
	}

	txn := &ledger.Transaction{
		TransactionID: uuid.New().String(),
		SenderID:      ledger.StringPtr(req.PayerID),
		ReceiverID:    ledger.StringPtr(receiver),
		Amount:        req.Amount,
		Type:          req.Type,
		PaymentMethod: method,
	}
	txn.SetSubject(req.Subject)
	for k, v := range req.Extra {
		txn.SetData(k, v)
	}
	if req.Context.TrackingLinkID != "" {
		txn.SetData(ledger.DataTrackingLinkID, req.Context.TrackingLinkID)
	}
	if req.Context.Source != "" {
		txn.SetData(ledger.DataSource, req.Context.Source)
	}
	if months := req.Type.Months(); months > 0 {
		txn.SetData(ledger.DataDuration, months)
	}
	o.Settler.ApplyFee(txn)

	switch method {
	case ledger.MethodWallet:
		return o.payFromWallet(ctx, txn)
	case ledger.MethodCCBill:
		return o.payThroughGateway(ctx, txn)
	}
	return nil, apperror.Validation("payment_method", fmt.Sprintf("unsupported payment method %q", method))
}

// validate checks the request and resolves the receiver, falling back to
// the owner of the subject. A payment for a subject always goes to its
// owner.
func (o *Orchestrator) validate(ctx context.Context, req *Request) (string, error) {
	if !req.Amount.IsPositive() {
		return "", apperror.Validation("amount", "must be greater than zero")
	}
	if !req.Amount.Equal(req.Amount.Round(2)) {
		return "", apperror.Validation("amount", "must have at most two decimal places")
	}
	if _, err := ledger.ParseType(string(req.Type)); err != nil {
		return "", apperror.Validation("type", err.Error())
	}
	if req.Type == ledger.TypePayoutRequest || req.Type == ledger.TypePayoutCancelled {
		return "", apperror.Validation("type", "payouts are not payments")
	}
	if req.PayerID == "" {
		return "", apperror.Validation("payer_id", "is required")
	}
	if err := o.mustExist(ctx, req.PayerID, "payer"); err != nil {
		return "", err
	}

	receiver := req.ReceiverID
	if !req.Subject.IsZero() && !req.outgoing {
		item, err := o.Subjects.Lookup(ctx, req.Subject)
		if err != nil {
			return "", err
		}
		switch {
		case receiver == "":
			receiver = item.Owner
		case receiver != item.Owner:
			return "", apperror.Validation("receiver_id", "must be the owner of the "+string(req.Subject.Kind))
		}
	}
	if receiver == "" {
		return "", apperror.Validation("receiver_id", "cannot be resolved")
	}
	if receiver == req.PayerID {
		return "", apperror.Validation("receiver_id", "cannot pay yourself")
	}
	if err := o.mustExist(ctx, receiver, "receiver"); err != nil {
		return "", err
	}
	return receiver, nil
}

func (o *Orchestrator) mustExist(ctx context.Context, userID, role string) error {
	if o.Users == nil {
		return nil
	}
	ok, err := o.Users.Exists(ctx, userID)
	if err != nil {
		return apperror.Storage(err)
	}
	if !ok {
		return apperror.NotFound(role)
	}
	return nil
}

func (o *Orchestrator) payFromWallet(ctx context.Context, txn *ledger.Transaction) (*Result, error) {
	payer := txn.Sender()
	err := o.Tx.WithinTx(ctx, func(ctx context.Context) error {
		now := time.Now()
		txn.Status = ledger.StatusApproved
		txn.ApprovedAt = &now
		if err := o.Ledger.Record(ctx, txn); err != nil {
			return err
		}
		if _, err := o.Wallets.DebitSpendable(ctx, payer, txn.Amount, string(txn.Type)+"_sent", txn.TransactionID); err != nil {
			return err
		}
		// The payer's wallet row is locked now, so concurrent purchases by
		// the same buyer see each other here.
		if txn.Type.IsPurchase() {
			owned, err := o.Catalog.HasActivePurchase(ctx, payer, txn.Subject())
			if err != nil {
				return err
			}
			if owned {
				return apperror.Conflict("item already purchased")
			}
		}
		return o.Settler.Settle(ctx, txn)
	})

	if errors.Is(err, apperror.ErrInsufficientFunds) {
		declined, recErr := o.Ledger.RecordDeclined(ctx, txn, ReasonInsufficientFunds)
		if recErr != nil {
			o.Log.WithError(recErr).WithField("payer_id", payer).Error("failed to record declined transaction")
			return nil, err
		}
		o.Metrics.PaymentProcessed(string(ledger.MethodWallet), string(txn.Type), "declined")
		o.publish(ctx, events.TypePaymentDeclined, declined)
		o.Log.WithFields(logrus.Fields{
			"transaction_id": declined.TransactionID,
			"payer_id":       payer,
			"amount":         txn.Amount.StringFixed(2),
		}).Info("wallet payment declined")

		appErr := apperror.As(err).WithDetail("transaction_id", declined.TransactionID)
		return &Result{
			Success:       false,
			TransactionID: declined.TransactionID,
			PaymentMethod: ledger.MethodWallet,
			Status:        ledger.StatusDeclined,
			ErrorReason:   ReasonInsufficientFunds,
		}, appErr
	}
	if err != nil {
		o.Metrics.PaymentProcessed(string(ledger.MethodWallet), string(txn.Type), "error")
		return nil, err
	}

	o.Metrics.PaymentProcessed(string(ledger.MethodWallet), string(txn.Type), "approved")
	o.publish(ctx, events.TypePaymentApproved, txn)
	o.Log.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"payer_id":       payer,
		"receiver_id":    txn.Receiver(),
		"type":           txn.Type,
		"amount":         txn.Amount.StringFixed(2),
	}).Info("wallet payment approved")

	return &Result{
		Success:       true,
		TransactionID: txn.TransactionID,
		PaymentMethod: ledger.MethodWallet,
		Status:        ledger.StatusApproved,
	}, nil
}

// payThroughGateway asks the gateway for a redirect first and only then
// stores the pending transaction, so an unreachable gateway leaves nothing
// behind.
func (o *Orchestrator) payThroughGateway(ctx context.Context, txn *ledger.Transaction) (*Result, error) {
	intent := gateway.PaymentIntent{
		TransactionID: txn.TransactionID,
		PayerID:       txn.Sender(),
		ReceiverID:    txn.Receiver(),
		Amount:        txn.Amount,
		Description:   string(txn.Type),
	}
	if months := txn.Type.Months(); months > 0 {
		intent.RecurringDays = months * 30
	}

	redirect, err := o.Gateway.InitiatePayment(ctx, intent)
	if err != nil {
		o.Metrics.PaymentProcessed(string(txn.PaymentMethod), string(txn.Type), "gateway_error")
		o.Log.WithError(err).WithField("transaction_id", txn.TransactionID).Error("gateway initiation failed")
		return &Result{
			Success:       false,
			PaymentMethod: txn.PaymentMethod,
			ErrorReason:   ReasonGatewayError,
		}, apperror.Gateway(err, "payment gateway unavailable")
	}

	txn.Status = ledger.StatusPending
	txn.ExternalTransactionID = ledger.StringPtr(redirect.CorrelationID)
	err = o.Tx.WithinTx(ctx, func(ctx context.Context) error {
		return o.Ledger.Record(ctx, txn)
	})
	if err != nil {
		o.Metrics.PaymentProcessed(string(txn.PaymentMethod), string(txn.Type), "error")
		return nil, err
	}

	o.Metrics.PaymentProcessed(string(txn.PaymentMethod), string(txn.Type), "pending")
	o.publish(ctx, events.TypePaymentPending, txn)
	o.Log.WithFields(logrus.Fields{
		"transaction_id": txn.TransactionID,
		"correlation_id": redirect.CorrelationID,
		"type":           txn.Type,
	}).Info("gateway payment initiated")

	return &Result{
		Success:          true,
		TransactionID:    txn.TransactionID,
		PaymentMethod:    txn.PaymentMethod,
		Status:           ledger.StatusPending,
		RedirectRequired: true,
		RedirectURL:      redirect.URL,
	}, nil
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, t *ledger.Transaction) {
	e := events.Event{
		Type:          eventType,
		TransactionID: t.TransactionID,
		SenderID:      t.Sender(),
		ReceiverID:    t.Receiver(),
		Amount:        t.Amount,
		Status:        string(t.Status),
		Kind:          string(t.Type),
		OccurredAt:    time.Now().UTC(),
	}
	if id := t.DataString(ledger.DataTrackingLinkID); id != "" {
		e.Data = map[string]any{ledger.DataTrackingLinkID: id}
	}
	if err := o.Publisher.Publish(ctx, e); err != nil {
		o.Log.WithError(err).WithField("transaction_id", t.TransactionID).Warn("failed to publish payment event")
	}
}
