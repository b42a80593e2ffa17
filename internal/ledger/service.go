package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"payments_service/internal/apperror"
	"payments_service/internal/events"
	"payments_service/internal/logger"
	"payments_service/internal/store"
	"payments_service/internal/wallet"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Wallets is the part of the wallet store a refund needs.
type Wallets interface {
	Reclaim(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
	CreditSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
}

// Revoker withdraws whatever a transaction unlocked.
type Revoker interface {
	RevokeForTransaction(ctx context.Context, t *Transaction) error
}

type RefundResult struct {
	Transaction    *Transaction `json:"transaction"`
	AlreadySettled bool         `json:"already_settled"`
}

type Service struct {
	repo           Repository
	tx             store.TxRunner
	wallets        Wallets
	revoker        Revoker
	publisher      events.Publisher
	platformUserID string
	log            *logrus.Logger
}

func NewService(repo Repository, tx store.TxRunner, wallets Wallets, revoker Revoker, publisher events.Publisher, platformUserID string, log *logrus.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		repo:           repo,
		tx:             tx,
		wallets:        wallets,
		revoker:        revoker,
		publisher:      publisher,
		platformUserID: platformUserID,
		log:            logger.OrDefault(log),
	}
}

// Record inserts a new transaction. A reused external id surfaces as a
// conflict wrapping ErrDuplicateExternalID.
func (s *Service) Record(ctx context.Context, t *Transaction) error {
	if !t.Amount.IsPositive() {
		return apperror.Validation("amount", "must be greater than zero")
	}
	if _, err := ParseType(string(t.Type)); err != nil {
		return apperror.Validation("type", err.Error())
	}
	if t.TransactionID == "" {
		t.TransactionID = uuid.New().String()
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == StatusApproved && t.ApprovedAt == nil {
		t.ApprovedAt = &now
	}

	if err := s.repo.Create(ctx, t); err != nil {
		if errors.Is(err, ErrDuplicateExternalID) {
			return apperror.Wrap(err, apperror.ErrCodeConflict, "transaction already recorded")
		}
		return err
	}
	return nil
}

// RecordDeclined stores an audit copy of a failed attempt in its own
// transaction and returns the new id.
func (s *Service) RecordDeclined(ctx context.Context, attempt *Transaction, reason string) (*Transaction, error) {
	declined := attempt.Clone()
	declined.TransactionID = uuid.New().String()
	declined.Status = StatusDeclined
	declined.DeclineReason = reason
	declined.ApprovedAt = nil
	declined.ExternalTransactionID = nil

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		return s.Record(ctx, declined)
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return declined, nil
}

// Transition applies a state machine move and persists it conditionally on
// the previous status.
func (s *Service) Transition(ctx context.Context, t *Transaction, to Status, reason string) error {
	from := t.Status
	if err := t.TransitionTo(to, time.Now()); err != nil {
		s.log.WithFields(logrus.Fields{
			"transaction_id": t.TransactionID,
			"from":           from,
			"to":             to,
		}).Error("rejected transaction state transition")
		return apperror.InvalidTransition(string(from), string(to))
	}
	if to == StatusDeclined {
		t.DeclineReason = reason
	}
	if err := s.repo.UpdateStatus(ctx, t, from); err != nil {
		if errors.Is(err, ErrStatusChanged) {
			s.log.WithField("transaction_id", t.TransactionID).Error("transaction status changed concurrently")
			return apperror.InvalidTransition(string(from), string(to))
		}
		return err
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, apperror.NotFound("transaction")
		}
		return nil, apperror.Storage(err)
	}
	return t, nil
}

// LockByExternalID locks the transaction carrying the gateway correlation
// id. It must run inside a database transaction.
func (s *Service) LockByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	t, err := s.repo.GetByExternalIDForUpdate(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, apperror.NotFound("transaction")
		}
		return nil, err
	}
	return t, nil
}

func (s *Service) ListForUser(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.repo.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperror.Storage(err)
	}
	return rows, nil
}

// Refund reverses an approved transaction: the receiver's earnings and the
// platform fee are reclaimed, the payer is made whole and entitlements are
// revoked. Refunding twice reports AlreadySettled.
func (s *Service) Refund(ctx context.Context, id, reason string) (*RefundResult, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Refund")
	defer span.End()
	span.SetAttributes(attribute.String("transaction_id", id))

	var result RefundResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		t, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				return apperror.NotFound("transaction")
			}
			return err
		}
		if t.Status == StatusRefunded {
			result = RefundResult{Transaction: t, AlreadySettled: true}
			return nil
		}
		if t.Type == TypePayoutRequest || t.Type == TypePayoutCancelled {
			return apperror.Validation("transaction_id", "payout transactions are reversed by cancelling the payout request")
		}
		if !CanTransition(t.Status, StatusRefunded) {
			return apperror.InvalidTransition(string(t.Status), string(StatusRefunded))
		}

		if receiver := t.Receiver(); receiver != "" && t.NetAmount().IsPositive() {
			if _, err := s.wallets.Reclaim(ctx, receiver, t.NetAmount(), "refund", t.TransactionID); err != nil {
				return err
			}
		}
		if s.platformUserID != "" && t.PlatformFee.IsPositive() {
			if _, err := s.wallets.Reclaim(ctx, s.platformUserID, t.PlatformFee, "refund_platform_fee", t.TransactionID); err != nil {
				return err
			}
		}
		switch t.PaymentMethod {
		case MethodWallet:
			if sender := t.Sender(); sender != "" {
				if _, err := s.wallets.CreditSpendable(ctx, sender, t.Amount, "refund", t.TransactionID); err != nil {
					return err
				}
			}
		default:
			t.SetData(DataExternalRefund, true)
		}
		if reason != "" {
			t.SetData(DataRefundReason, reason)
		}

		if s.revoker != nil {
			if err := s.revoker.RevokeForTransaction(ctx, t); err != nil {
				return err
			}
		}
		if err := s.Transition(ctx, t, StatusRefunded, ""); err != nil {
			return err
		}
		result = RefundResult{Transaction: t}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, store.Classify(err)
	}

	if !result.AlreadySettled {
		s.log.WithFields(logrus.Fields{
			"transaction_id": id,
			"amount":         result.Transaction.Amount.StringFixed(2),
			"method":         result.Transaction.PaymentMethod,
		}).Info("transaction refunded")
		s.publish(ctx, events.TypeTransactionRefunded, result.Transaction)
	}
	return &result, nil
}

func (s *Service) publish(ctx context.Context, eventType string, t *Transaction) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		TransactionID: t.TransactionID,
		SenderID:      t.Sender(),
		ReceiverID:    t.Receiver(),
		Amount:        t.Amount,
		Status:        string(t.Status),
		Kind:          string(t.Type),
		OccurredAt:    time.Now().UTC(),
	})
	if err != nil {
		s.log.WithError(err).WithField("transaction_id", t.TransactionID).Warn("failed to publish event")
	}
}
