package payout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payments_service/internal/apperror"
	"payments_service/internal/events"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/metrics"
	"payments_service/internal/store"
	"payments_service/internal/wallet"
)

type Wallets interface {
	DebitSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
	CreditSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
}

type Ledger interface {
	Record(ctx context.Context, t *ledger.Transaction) error
	RecordDeclined(ctx context.Context, attempt *ledger.Transaction, reason string) (*ledger.Transaction, error)
}

type Service struct {
	repo      Repository
	tx        store.TxRunner
	wallets   Wallets
	ledger    Ledger
	publisher events.Publisher
	metrics   *metrics.Metrics
	minimum   decimal.Decimal
	log       *logrus.Logger
	now       func() time.Time
	reference func() string
}

func NewService(repo Repository, tx store.TxRunner, wallets Wallets, l Ledger, publisher events.Publisher, m *metrics.Metrics, minimum decimal.Decimal, log *logrus.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{
		repo:      repo,
		tx:        tx,
		wallets:   wallets,
		ledger:    l,
		publisher: publisher,
		metrics:   m,
		minimum:   minimum,
		log:       logger.OrDefault(log),
		now:       time.Now,
		reference: newReference,
	}
}

func (s *Service) CreateMethod(ctx context.Context, userID string, typ MethodType, details map[string]any, isDefault bool) (*Method, error) {
	if _, ok := ParseMethodType(string(typ)); !ok {
		return nil, apperror.Validation("type", "must be bank_transfer, paypal or crypto")
	}
	now := s.now()
	m := &Method{
		PayoutMethodID: uuid.New().String(),
		UserID:         userID,
		Type:           typ,
		Details:        details,
		IsDefault:      isDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.CreateMethod(ctx, m); err != nil {
		return nil, apperror.Storage(err)
	}
	return m, nil
}

// DeleteMethod refuses while a pending or processing request still
// references the method.
func (s *Service) DeleteMethod(ctx context.Context, userID, methodID string) error {
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.ownedMethod(ctx, userID, methodID); err != nil {
			return err
		}
		open, err := s.repo.CountOpenRequests(ctx, methodID)
		if err != nil {
			return err
		}
		if open > 0 {
			return apperror.Conflict("payout method is used by an open payout request")
		}
		if err := s.repo.DeleteMethod(ctx, methodID); err != nil {
			if errors.Is(err, ErrMethodNotFound) {
				return apperror.NotFound("payout method")
			}
			return err
		}
		return nil
	})
	return store.Classify(err)
}

// ownedMethod locks the method so a delete and a new request on it
// serialise.
func (s *Service) ownedMethod(ctx context.Context, userID, methodID string) (*Method, error) {
	m, err := s.repo.GetMethodForUpdate(ctx, methodID)
	if err != nil {
		if errors.Is(err, ErrMethodNotFound) {
			return nil, apperror.NotFound("payout method")
		}
		return nil, err
	}
	if m.UserID != userID {
		return nil, apperror.NotFound("payout method")
	}
	return m, nil
}

// RequestPayout debits the user's spendable balance and opens a pending
// payout request. The debit is confirmed by an approved payout-request
// transaction.
func (s *Service) RequestPayout(ctx context.Context, userID string, amount decimal.Decimal, methodID string) (*Request, error) {
	if !amount.IsPositive() {
		return nil, apperror.Validation("amount", "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return nil, apperror.Validation("amount", "must have at most two decimal places")
	}
	if s.minimum.IsPositive() && amount.LessThan(s.minimum) {
		return nil, apperror.Validation("amount", fmt.Sprintf("minimum payout is %s", s.minimum.StringFixed(2)))
	}

	var (
		req *Request
		txn *ledger.Transaction
		err error
	)
	for attempt := 1; ; attempt++ {
		err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := s.ownedMethod(ctx, userID, methodID); err != nil {
				return err
			}
			now := s.now()
			req = &Request{
				PayoutRequestID: uuid.New().String(),
				UserID:          userID,
				PayoutMethodID:  methodID,
				Amount:          amount,
				Status:          StatusPending,
				ReferenceID:     s.reference(),
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			txn = &ledger.Transaction{
				TransactionID: uuid.New().String(),
				SenderID:      ledger.StringPtr(userID),
				Amount:        amount,
				Type:          ledger.TypePayoutRequest,
				Status:        ledger.StatusApproved,
				PaymentMethod: ledger.MethodWallet,
				ApprovedAt:    &now,
			}
			txn.SetSubject(ledger.Subject{Kind: ledger.SubjectPayoutRequest, ID: req.PayoutRequestID})
			txn.SetData("reference_id", req.ReferenceID)
			req.TransactionID = txn.TransactionID

			if err := s.ledger.Record(ctx, txn); err != nil {
				return err
			}
			if _, err := s.wallets.DebitSpendable(ctx, userID, amount, "payout_request", txn.TransactionID); err != nil {
				return err
			}
			return s.repo.CreateRequest(ctx, req)
		})
		if !errors.Is(err, ErrDuplicateReference) || attempt == referenceAttempts {
			break
		}
		s.log.WithField("user_id", userID).Warn("payout reference collided, retrying")
	}

	if errors.Is(err, apperror.ErrInsufficientFunds) {
		s.metrics.PayoutOperation("request", "declined")
		declined, recErr := s.ledger.RecordDeclined(ctx, txn, "insufficient_funds")
		if recErr != nil {
			s.log.WithError(recErr).WithField("user_id", userID).Error("failed to record declined payout")
			return nil, err
		}
		return nil, apperror.As(err).WithDetail("transaction_id", declined.TransactionID)
	}
	if err != nil {
		s.metrics.PayoutOperation("request", "error")
		return nil, store.Classify(err)
	}

	s.metrics.PayoutOperation("request", "ok")
	s.log.WithFields(logrus.Fields{
		"payout_request_id": req.PayoutRequestID,
		"reference_id":      req.ReferenceID,
		"user_id":           userID,
		"amount":            amount.StringFixed(2),
	}).Info("payout requested")
	s.publish(ctx, events.TypePayoutRequested, req, txn.TransactionID)
	return req, nil
}

// CancelPayout returns the money of a pending request to the user's
// spendable balance. A second cancel reports AlreadyCancelled.
func (s *Service) CancelPayout(ctx context.Context, userID, requestID string, admin bool) (*CancelResult, error) {
	var result CancelResult
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		req, err := s.lockRequest(ctx, userID, requestID, admin)
		if err != nil {
			return err
		}
		if req.Status == StatusCancelled {
			result = CancelResult{Request: req, AlreadyCancelled: true}
			return nil
		}
		if !CanTransition(req.Status, StatusCancelled) {
			return apperror.InvalidTransition(string(req.Status), string(StatusCancelled))
		}

		now := s.now()
		txn := &ledger.Transaction{
			TransactionID: uuid.New().String(),
			ReceiverID:    ledger.StringPtr(req.UserID),
			Amount:        req.Amount,
			Type:          ledger.TypePayoutCancelled,
			Status:        ledger.StatusApproved,
			PaymentMethod: ledger.MethodWallet,
			ApprovedAt:    &now,
		}
		txn.SetSubject(ledger.Subject{Kind: ledger.SubjectPayoutRequest, ID: req.PayoutRequestID})
		txn.SetData("reference_id", req.ReferenceID)
		if err := s.ledger.Record(ctx, txn); err != nil {
			return err
		}
		if _, err := s.wallets.CreditSpendable(ctx, req.UserID, req.Amount, "payout_cancelled", txn.TransactionID); err != nil {
			return err
		}

		req.Status = StatusCancelled
		req.CancelledAt = &now
		req.CancelTransactionID = &txn.TransactionID
		req.UpdatedAt = now
		if err := s.repo.SaveRequest(ctx, req); err != nil {
			return err
		}
		result = CancelResult{Request: req}
		return nil
	})
	if err != nil {
		s.metrics.PayoutOperation("cancel", "error")
		return nil, store.Classify(err)
	}
	if result.AlreadyCancelled {
		s.metrics.PayoutOperation("cancel", "already_cancelled")
		return &result, nil
	}

	s.metrics.PayoutOperation("cancel", "ok")
	s.log.WithFields(logrus.Fields{
		"payout_request_id": requestID,
		"amount":            result.Request.Amount.StringFixed(2),
	}).Info("payout cancelled")
	s.publish(ctx, events.TypePayoutCancelled, result.Request, *result.Request.CancelTransactionID)
	return &result, nil
}

func (s *Service) MarkProcessing(ctx context.Context, requestID string) (*Request, error) {
	return s.advance(ctx, requestID, StatusProcessing)
}

func (s *Service) MarkCompleted(ctx context.Context, requestID string) (*Request, error) {
	req, err := s.advance(ctx, requestID, StatusCompleted)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TypePayoutCompleted, req, req.TransactionID)
	return req, nil
}

func (s *Service) advance(ctx context.Context, requestID string, to Status) (*Request, error) {
	var req *Request
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		req, err = s.lockRequest(ctx, "", requestID, true)
		if err != nil {
			return err
		}
		if !CanTransition(req.Status, to) {
			s.log.WithFields(logrus.Fields{
				"payout_request_id": requestID,
				"from":              req.Status,
				"to":                to,
			}).Error("rejected payout state transition")
			return apperror.InvalidTransition(string(req.Status), string(to))
		}
		now := s.now()
		req.Status = to
		req.UpdatedAt = now
		switch to {
		case StatusProcessing:
			req.ProcessedAt = &now
		case StatusCompleted:
			req.CompletedAt = &now
		}
		return s.repo.SaveRequest(ctx, req)
	})
	if err != nil {
		s.metrics.PayoutOperation(string(to), "error")
		return nil, store.Classify(err)
	}
	s.metrics.PayoutOperation(string(to), "ok")
	return req, nil
}

func (s *Service) lockRequest(ctx context.Context, userID, requestID string, admin bool) (*Request, error) {
	req, err := s.repo.GetRequestForUpdate(ctx, requestID)
	if err != nil {
		if errors.Is(err, ErrRequestNotFound) {
			return nil, apperror.NotFound("payout request")
		}
		return nil, err
	}
	if !admin && req.UserID != userID {
		return nil, apperror.NotFound("payout request")
	}
	return req, nil
}

func (s *Service) List(ctx context.Context, userID string, limit, offset int) ([]Request, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	if limit > ledger.MaxListLimit {
		limit = ledger.MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.repo.ListRequests(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperror.Storage(err)
	}
	return rows, nil
}

func (s *Service) publish(ctx context.Context, eventType string, req *Request, transactionID string) {
	err := s.publisher.Publish(ctx, events.Event{
		Type:          eventType,
		TransactionID: transactionID,
		SenderID:      req.UserID,
		Amount:        req.Amount,
		Status:        string(req.Status),
		Kind:          "payout",
		Data:          map[string]any{"reference_id": req.ReferenceID},
		OccurredAt:    s.now().UTC(),
	})
	if err != nil {
		s.log.WithError(err).WithField("payout_request_id", req.PayoutRequestID).Warn("failed to publish payout event")
	}
}

// referenceAttempts bounds how often RequestPayout retries after drawing a
// reference that is already taken.
const referenceAttempts = 3

// newReference returns a human readable payout reference carrying 92
// random bits.
func newReference() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return "PO-" + strings.ToUpper(id[:24])
}
