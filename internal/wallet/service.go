package wallet

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
	"payments_service/internal/logger"
	"payments_service/internal/metrics"
	"payments_service/internal/store"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

type Service struct {
	repo    Repository
	tx      store.TxRunner
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewService(repo Repository, tx store.TxRunner, log *logrus.Logger, m *metrics.Metrics) *Service {
	return &Service{repo: repo, tx: tx, log: logger.OrDefault(log), metrics: m}
}

// GetBalance reads the committed row. Users that never received money get
// a zero snapshot.
func (s *Service) GetBalance(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, apperror.Validation("user_id", "is required")
	}
	w, err := s.repo.GetByUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			return &Wallet{UserID: userID}, nil
		}
		return nil, apperror.Storage(err)
	}
	return w, nil
}

func (s *Service) AddFunds(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, reason, transactionID, Mutation{Bucket: bucket, Delta: amount})
}

func (s *Service) SubtractFunds(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, reason, transactionID, Mutation{Bucket: bucket, Delta: amount.Neg()})
}

// MovePendingToAvailable matures earnings. The total is unchanged.
func (s *Service) MovePendingToAvailable(ctx context.Context, userID string, amount decimal.Decimal) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, "pending_matured", "",
		Mutation{Bucket: BucketPending, Delta: amount.Neg()},
		Mutation{Bucket: BucketAvailable, Delta: amount},
	)
}

// DebitSpendable takes money a user spends or withdraws out of the
// available and total buckets.
func (s *Service) DebitSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, reason, transactionID,
		Mutation{Bucket: BucketAvailable, Delta: amount.Neg()},
		Mutation{Bucket: BucketTotal, Delta: amount.Neg()},
	)
}

func (s *Service) CreditSpendable(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, reason, transactionID,
		Mutation{Bucket: BucketAvailable, Delta: amount},
		Mutation{Bucket: BucketTotal, Delta: amount},
	)
}

// CreditEarnings books income into pending until it matures.
func (s *Service) CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, reason, transactionID,
		Mutation{Bucket: BucketPending, Delta: amount},
		Mutation{Bucket: BucketTotal, Delta: amount},
	)
}

// Reclaim takes back earnings, draining pending first and then available.
func (s *Service) Reclaim(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*Wallet, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	var out *Wallet
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.GetOrCreateForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		fromPending := decimal.Min(w.PendingBalance, amount)
		muts := []Mutation{
			{Bucket: BucketPending, Delta: fromPending.Neg()},
			{Bucket: BucketAvailable, Delta: amount.Sub(fromPending).Neg()},
			{Bucket: BucketTotal, Delta: amount.Neg()},
		}
		out, err = s.applyLocked(ctx, w, reason, transactionID, muts)
		return err
	})
	if err != nil {
		return nil, store.Classify(err)
	}
	return out, nil
}

// Apply runs all mutations against the locked wallet row in one
// transaction. Either every bucket changes and every history row is
// written, or nothing is.
func (s *Service) Apply(ctx context.Context, userID, reason, transactionID string, muts ...Mutation) (*Wallet, error) {
	tracer := otel.Tracer("wallet-service")
	ctx, span := tracer.Start(ctx, "Apply")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("reason", reason))

	if userID == "" {
		return nil, apperror.Validation("user_id", "is required")
	}
	for _, m := range muts {
		if _, ok := ParseBucket(string(m.Bucket)); !ok {
			return nil, apperror.Validation("bucket", fmt.Sprintf("unknown bucket %q", m.Bucket))
		}
	}

	var out *Wallet
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.repo.GetOrCreateForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		out, err = s.applyLocked(ctx, w, reason, transactionID, muts)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, store.Classify(err)
	}
	return out, nil
}

func (s *Service) applyLocked(ctx context.Context, w *Wallet, reason, transactionID string, muts []Mutation) (*Wallet, error) {
	next := *w
	now := time.Now()
	entries := make([]History, 0, len(muts))

	var txID *string
	if transactionID != "" {
		txID = &transactionID
	}

	for _, m := range muts {
		if m.Delta.IsZero() {
			continue
		}
		current := next.Balance(m.Bucket)
		updated := current.Add(m.Delta)
		if updated.IsNegative() {
			s.metrics.WalletMutated(string(m.Bucket), "debit", "insufficient_funds")
			return nil, apperror.New(apperror.ErrCodeInsufficientFunds, fmt.Sprintf("insufficient %s balance", m.Bucket)).
				WithDetail("bucket", string(m.Bucket)).
				WithDetail("balance", current.StringFixed(2)).
				WithDetail("requested", m.Delta.Neg().StringFixed(2))
		}
		next.setBalance(m.Bucket, updated)
		entries = append(entries, History{
			HistoryID:     uuid.New().String(),
			WalletID:      w.WalletID,
			UserID:        w.UserID,
			Bucket:        m.Bucket,
			Delta:         m.Delta,
			BalanceAfter:  updated,
			Reason:        reason,
			TransactionID: txID,
			CreatedAt:     now,
		})
	}
	if len(entries) == 0 {
		return &next, nil
	}

	if err := s.repo.Update(ctx, &next); err != nil {
		return nil, err
	}
	if err := s.repo.AppendHistory(ctx, entries); err != nil {
		return nil, fmt.Errorf("failed to append wallet history: %w", err)
	}

	for _, e := range entries {
		direction := "credit"
		if e.Delta.IsNegative() {
			direction = "debit"
		}
		s.metrics.WalletMutated(string(e.Bucket), direction, "ok")
	}
	s.log.WithFields(logrus.Fields{
		"user_id":        w.UserID,
		"reason":         reason,
		"transaction_id": transactionID,
		"total":          next.TotalBalance.StringFixed(2),
		"pending":        next.PendingBalance.StringFixed(2),
		"available":      next.AvailableForPayout.StringFixed(2),
	}).Debug("wallet updated")

	return &next, nil
}

func (s *Service) History(ctx context.Context, userID string, limit, offset int) ([]History, error) {
	if userID == "" {
		return nil, apperror.Validation("user_id", "is required")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.repo.ListHistory(ctx, userID, limit, offset)
	if err != nil {
		return nil, apperror.Storage(err)
	}
	return rows, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperror.Validation("amount", "must be greater than zero")
	}
	if amount.Exponent() < -2 && !amount.Equal(amount.Round(2)) {
		return apperror.Validation("amount", "must have at most two decimal places")
	}
	return nil
}
