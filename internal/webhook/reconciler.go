package webhook

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/events"
	"payments_service/internal/gateway"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/metrics"
	"payments_service/internal/store"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

type Result struct {
	Event         gateway.EventType `json:"event"`
	Outcome       Outcome           `json:"outcome"`
	TransactionID string            `json:"transaction_id,omitempty"`
}

type Ledger interface {
	LockByExternalID(ctx context.Context, externalID string) (*ledger.Transaction, error)
	Record(ctx context.Context, t *ledger.Transaction) error
	Transition(ctx context.Context, t *ledger.Transaction, to ledger.Status, reason string) error
}

type Settler interface {
	ApplyFee(t *ledger.Transaction)
	Settle(ctx context.Context, t *ledger.Transaction) error
}

type Subscriptions interface {
	SubscriptionByExternalID(ctx context.Context, externalID string) (*commerce.Subscription, error)
	CancelByExternalID(ctx context.Context, externalID string) (*commerce.Subscription, bool, error)
}

// Reconciler applies gateway notifications to the ledger. Each event is
// its own atomic unit and is idempotent by gateway correlation id.
type Reconciler struct {
	verifier      gateway.Verifier
	tx            store.TxRunner
	ledger        Ledger
	settler       Settler
	subscriptions Subscriptions
	publisher     events.Publisher
	metrics       *metrics.Metrics
	log           *logrus.Logger
}

func NewReconciler(verifier gateway.Verifier, tx store.TxRunner, l Ledger, settler Settler, subs Subscriptions, publisher events.Publisher, m *metrics.Metrics, log *logrus.Logger) *Reconciler {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Reconciler{
		verifier:      verifier,
		tx:            tx,
		ledger:        l,
		settler:       settler,
		subscriptions: subs,
		publisher:     publisher,
		metrics:       m,
		log:           logger.OrDefault(log),
	}
}

// Handle verifies the raw body and applies every event in it. Processing
// stops at the first event that fails; earlier events stay committed and
// are recognised as duplicates when the gateway redelivers.
func (r *Reconciler) Handle(ctx context.Context, body []byte, header http.Header) ([]Result, error) {
	tracer := otel.Tracer("webhook-reconciler")
	ctx, span := tracer.Start(ctx, "Handle")
	defer span.End()

	if err := r.verifier.Verify(body, header); err != nil {
		r.metrics.WebhookHandled("unknown", "rejected")
		r.log.WithError(err).Warn("rejected webhook with invalid signature")
		span.SetStatus(codes.Error, "invalid signature")
		return nil, apperror.ErrInvalidSignature
	}

	evts, err := gateway.ParseEvents(body)
	if err != nil {
		r.metrics.WebhookHandled("unknown", "malformed")
		return nil, apperror.Wrap(err, apperror.ErrCodeBadRequest, "malformed webhook payload")
	}

	results := make([]Result, 0, len(evts))
	for _, e := range evts {
		span.AddEvent(string(e.Type), traceAttrs(e)...)
		res, err := r.apply(ctx, e)
		if err != nil {
			r.metrics.WebhookHandled(string(e.Type), "error")
			r.log.WithError(err).WithFields(logrus.Fields{
				"event":          e.Type,
				"transaction_id": e.TransactionID,
			}).Error("failed to apply webhook event")
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return results, store.Classify(err)
		}
		r.metrics.WebhookHandled(string(e.Type), string(res.Outcome))
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) apply(ctx context.Context, e gateway.Event) (Result, error) {
	if e.Type == gateway.EventUnknown {
		r.log.WithFields(logrus.Fields{
			"event":          e.RawType,
			"correlation_id": e.TransactionID,
		}).Warn("ignoring unsupported webhook event")
		return Result{Event: e.Type, Outcome: OutcomeIgnored}, nil
	}

	var (
		res     Result
		pending *events.Event
	)
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		res = Result{Event: e.Type, Outcome: OutcomeIgnored}
		pending = nil
		switch e.Type {
		case gateway.EventPaymentSucceeded:
			return r.succeed(ctx, e, &res, &pending)
		case gateway.EventPaymentFailed:
			return r.fail(ctx, e, &res, &pending)
		case gateway.EventSubscriptionRenewed:
			return r.renew(ctx, e, &res, &pending)
		case gateway.EventSubscriptionCancelled:
			return r.cancel(ctx, e, &res, &pending)
		}
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateExternalID) {
		// lost a race against a concurrent delivery of the same renewal
		res.Outcome = OutcomeDuplicate
		err = nil
		pending = nil
	}
	if err != nil {
		return res, err
	}

	if pending != nil {
		if pubErr := r.publisher.Publish(ctx, *pending); pubErr != nil {
			r.log.WithError(pubErr).WithField("type", pending.Type).Warn("failed to publish webhook event")
		}
	}
	r.log.WithFields(logrus.Fields{
		"event":          e.Type,
		"outcome":        res.Outcome,
		"transaction_id": res.TransactionID,
		"correlation_id": e.TransactionID,
	}).Info("webhook event processed")
	return res, nil
}

func (r *Reconciler) lockPending(ctx context.Context, e gateway.Event, res *Result) (*ledger.Transaction, error) {
	t, err := r.ledger.LockByExternalID(ctx, e.TransactionID)
	if apperror.IsNotFound(err) {
		r.log.WithField("correlation_id", e.TransactionID).Warn("webhook for unknown transaction")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res.TransactionID = t.TransactionID
	return t, nil
}

func (r *Reconciler) succeed(ctx context.Context, e gateway.Event, res *Result, out **events.Event) error {
	t, err := r.lockPending(ctx, e, res)
	if t == nil || err != nil {
		return err
	}
	switch t.Status {
	case ledger.StatusApproved, ledger.StatusRefunded:
		res.Outcome = OutcomeDuplicate
		return nil
	case ledger.StatusDeclined:
		r.log.WithFields(logrus.Fields{
			"transaction_id": t.TransactionID,
			"status":         t.Status,
		}).Error("success webhook for a declined transaction")
		return nil
	}

	if e.SubscriptionID != "" {
		t.ExternalSubscriptionID = ledger.StringPtr(e.SubscriptionID)
	}
	if err := r.ledger.Transition(ctx, t, ledger.StatusApproved, ""); err != nil {
		return err
	}
	if err := r.settler.Settle(ctx, t); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	*out = eventFor(events.TypePaymentApproved, t)
	return nil
}

func (r *Reconciler) fail(ctx context.Context, e gateway.Event, res *Result, out **events.Event) error {
	t, err := r.lockPending(ctx, e, res)
	if t == nil || err != nil {
		return err
	}
	if t.Status != ledger.StatusPending {
		res.Outcome = OutcomeDuplicate
		return nil
	}
	reason := e.Reason
	if reason == "" {
		reason = "gateway_declined"
	}
	if err := r.ledger.Transition(ctx, t, ledger.StatusDeclined, reason); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	*out = eventFor(events.TypePaymentDeclined, t)
	return nil
}

// renew records the renewal charge as a new approved transaction. Settling
// it extends the subscription and credits the creator.
func (r *Reconciler) renew(ctx context.Context, e gateway.Event, res *Result, out **events.Event) error {
	existing, err := r.ledger.LockByExternalID(ctx, e.TransactionID)
	if err == nil {
		res.TransactionID = existing.TransactionID
		res.Outcome = OutcomeDuplicate
		return nil
	}
	if !apperror.IsNotFound(err) {
		return err
	}

	sub, err := r.subscriptions.SubscriptionByExternalID(ctx, e.SubscriptionID)
	if errors.Is(err, commerce.ErrSubscriptionNotFound) {
		r.log.WithField("subscription_id", e.SubscriptionID).Warn("renewal for unknown subscription")
		return nil
	}
	if err != nil {
		return err
	}
	// A cancelled subscription stays cancelled; a late rebill does not
	// restart it.
	if sub.Status == commerce.SubscriptionCancelled {
		r.log.WithFields(logrus.Fields{
			"subscription_id": e.SubscriptionID,
			"correlation_id":  e.TransactionID,
		}).Warn("renewal for cancelled subscription")
		return nil
	}
	typ, ok := ledger.SubscriptionType(sub.Duration)
	if !ok {
		typ = ledger.TypeOneMonthSubscription
	}
	amount := sub.Amount
	if e.Amount.Valid && e.Amount.Decimal.IsPositive() {
		amount = e.Amount.Decimal
	}

	now := time.Now()
	t := &ledger.Transaction{
		TransactionID:          uuid.New().String(),
		SenderID:               ledger.StringPtr(sub.SubscriberID),
		ReceiverID:             ledger.StringPtr(sub.CreatorID),
		Amount:                 amount,
		Type:                   typ,
		Status:                 ledger.StatusApproved,
		PaymentMethod:          ledger.MethodCCBill,
		ExternalTransactionID:  ledger.StringPtr(e.TransactionID),
		ExternalSubscriptionID: ledger.StringPtr(e.SubscriptionID),
		ApprovedAt:             &now,
	}
	t.SetSubject(ledger.Subject{Kind: ledger.SubjectTier, ID: sub.TierID})
	t.SetData(ledger.DataDuration, sub.Duration)
	t.SetData(ledger.DataSource, "renewal")
	r.settler.ApplyFee(t)

	if err := r.ledger.Record(ctx, t); err != nil {
		return err
	}
	if err := r.settler.Settle(ctx, t); err != nil {
		return err
	}
	res.TransactionID = t.TransactionID
	res.Outcome = OutcomeApplied
	*out = eventFor(events.TypeSubscriptionRenewed, t)
	return nil
}

func (r *Reconciler) cancel(ctx context.Context, e gateway.Event, res *Result, out **events.Event) error {
	sub, changed, err := r.subscriptions.CancelByExternalID(ctx, e.SubscriptionID)
	if errors.Is(err, commerce.ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		res.Outcome = OutcomeDuplicate
		return nil
	}
	res.Outcome = OutcomeApplied
	*out = &events.Event{
		Type:       events.TypeSubscriptionCancelled,
		SenderID:   sub.SubscriberID,
		ReceiverID: sub.CreatorID,
		Status:     string(sub.Status),
		Data:       map[string]any{"subscription_id": e.SubscriptionID},
		OccurredAt: time.Now().UTC(),
	}
	return nil
}

func eventFor(eventType string, t *ledger.Transaction) *events.Event {
	e := &events.Event{
		Type:          eventType,
		TransactionID: t.TransactionID,
		SenderID:      t.Sender(),
		ReceiverID:    t.Receiver(),
		Amount:        t.Amount,
		Status:        string(t.Status),
		Kind:          string(t.Type),
		OccurredAt:    time.Now().UTC(),
	}
	if t.ExternalSubscriptionID != nil {
		e.Data = map[string]any{"subscription_id": *t.ExternalSubscriptionID}
	}
	return e
}

func traceAttrs(e gateway.Event) []trace.EventOption {
	return []trace.EventOption{trace.WithAttributes(
		attribute.String("correlation_id", e.TransactionID),
		attribute.String("subscription_id", e.SubscriptionID),
	)}
}
