package commerce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payments_service/internal/apperror"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
)

type Service struct {
	repo Repository
	log  *logrus.Logger
	now  func() time.Time
}

func NewService(repo Repository, log *logrus.Logger) *Service {
	return &Service{repo: repo, log: logger.OrDefault(log), now: time.Now}
}

func (s *Service) Tier(ctx context.Context, id string) (*Tier, error) {
	t, err := s.repo.GetTier(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTierNotFound) {
			return nil, apperror.NotFound("tier")
		}
		return nil, apperror.Storage(err)
	}
	return t, nil
}

func (s *Service) CreateTier(ctx context.Context, creatorID, name string, price decimal.Decimal) (*Tier, error) {
	if !price.IsPositive() {
		return nil, apperror.Validation("price", "must be greater than zero")
	}
	t := &Tier{
		TierID:    uuid.New().String(),
		CreatorID: creatorID,
		Name:      name,
		Price:     price.Round(2),
		Active:    true,
		CreatedAt: s.now(),
		UpdatedAt: s.now(),
	}
	if err := s.repo.CreateTier(ctx, t); err != nil {
		return nil, apperror.Storage(err)
	}
	return t, nil
}

// Quote prices a subscription to tierID for the given duration.
func (s *Service) Quote(ctx context.Context, tierID string, months int) (*Tier, decimal.Decimal, error) {
	tier, err := s.Tier(ctx, tierID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !tier.Active {
		return nil, decimal.Zero, apperror.Validation("tier_id", "tier is not available for subscription")
	}
	amount, err := SubscriptionPrice(tier.Price, months)
	if err != nil {
		return nil, decimal.Zero, apperror.Validation("duration", err.Error())
	}
	return tier, amount, nil
}

func (s *Service) HasActivePurchase(ctx context.Context, userID string, subject ledger.Subject) (bool, error) {
	_, err := s.repo.FindActivePurchase(ctx, userID, subject)
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			return false, nil
		}
		return false, apperror.Storage(err)
	}
	return true, nil
}

func (s *Service) RecordTip(ctx context.Context, t *ledger.Transaction) error {
	tip := &Tip{
		TipID:         uuid.New().String(),
		SenderID:      t.Sender(),
		ReceiverID:    t.Receiver(),
		TippableType:  t.SubjectType,
		TippableID:    t.SubjectID,
		Amount:        t.Amount,
		TransactionID: t.TransactionID,
		CreatedAt:     s.now(),
	}
	if err := s.repo.CreateTip(ctx, tip); err != nil {
		return fmt.Errorf("failed to create tip: %w", err)
	}
	return nil
}

func (s *Service) RecordPurchase(ctx context.Context, t *ledger.Transaction) error {
	p := &Purchase{
		PurchaseID:      uuid.New().String(),
		UserID:          t.Sender(),
		PurchasableType: t.SubjectType,
		PurchasableID:   t.SubjectID,
		Amount:          t.Amount,
		TransactionID:   t.TransactionID,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreatePurchase(ctx, p); err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

// ActivateSubscription applies an approved subscription transaction. A
// running subscription is extended from its current end date; anything
// else starts a new period now.
func (s *Service) ActivateSubscription(ctx context.Context, t *ledger.Transaction) (*Subscription, error) {
	months := t.Type.Months()
	if months == 0 {
		return nil, apperror.Validation("type", fmt.Sprintf("%s is not a subscription", t.Type))
	}
	now := s.now()
	subscriber, creator := t.Sender(), t.Receiver()

	sub, err := s.repo.GetSubscriptionForUpdate(ctx, subscriber, creator)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		sub = &Subscription{
			SubscriptionID: uuid.New().String(),
			SubscriberID:   subscriber,
			CreatorID:      creator,
			StartDate:      now,
			EndDate:        now.AddDate(0, months, 0),
			CreatedAt:      now,
		}
	case err != nil:
		return nil, err
	default:
		if sub.EffectiveStatus(now) == SubscriptionActive {
			base := sub.EndDate
			if base.Before(now) {
				base = now
			}
			sub.EndDate = base.AddDate(0, months, 0)
		} else {
			sub.StartDate = now
			sub.EndDate = now.AddDate(0, months, 0)
			sub.CancelledAt = nil
		}
	}

	sub.TierID = t.SubjectID
	sub.Status = SubscriptionActive
	sub.Duration = months
	sub.Amount = t.Amount
	sub.LastTransactionID = t.TransactionID
	if t.ExternalSubscriptionID != nil {
		sub.ExternalSubscriptionID = t.ExternalSubscriptionID
	}
	sub.UpdatedAt = now

	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to save subscription: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"subscription_id": sub.SubscriptionID,
		"subscriber_id":   subscriber,
		"creator_id":      creator,
		"end_date":        sub.EndDate,
	}).Info("subscription activated")
	return sub, nil
}

// CancelByExternalID marks the gateway subscription cancelled. It reports
// false when the subscription was already cancelled.
func (s *Service) CancelByExternalID(ctx context.Context, externalID string) (*Subscription, bool, error) {
	sub, err := s.repo.GetSubscriptionByExternalIDForUpdate(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if sub.Status == SubscriptionCancelled {
		return sub, false, nil
	}
	now := s.now()
	sub.Status = SubscriptionCancelled
	sub.CancelledAt = &now
	sub.UpdatedAt = now
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return nil, false, fmt.Errorf("failed to cancel subscription: %w", err)
	}
	return sub, true, nil
}

func (s *Service) SubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error) {
	return s.repo.GetSubscriptionByExternalIDForUpdate(ctx, externalID)
}

// RevokeForTransaction withdraws what a refunded transaction unlocked.
func (s *Service) RevokeForTransaction(ctx context.Context, t *ledger.Transaction) error {
	now := s.now()
	switch {
	case t.Type.IsPurchase():
		if _, err := s.repo.RevokePurchases(ctx, t.TransactionID, now); err != nil {
			return fmt.Errorf("failed to revoke purchase: %w", err)
		}
	case t.Type.IsSubscription():
		sub, err := s.repo.GetSubscriptionForUpdate(ctx, t.Sender(), t.Receiver())
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if sub.LastTransactionID != t.TransactionID {
			return nil
		}
		sub.Status = SubscriptionCancelled
		sub.CancelledAt = &now
		sub.UpdatedAt = now
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return fmt.Errorf("failed to cancel refunded subscription: %w", err)
		}
	}
	return nil
}

func (s *Service) Subscriptions(ctx context.Context, subscriberID string) ([]SubscriptionView, error) {
	rows, err := s.repo.ListSubscriptions(ctx, subscriberID)
	if err != nil {
		return nil, apperror.Storage(err)
	}
	now := s.now()
	out := make([]SubscriptionView, 0, len(rows))
	for _, row := range rows {
		out = append(out, SubscriptionView{Subscription: row, EffectiveStatus: row.EffectiveStatus(now)})
	}
	return out, nil
}

func (s *Service) Subscription(ctx context.Context, subscriberID, creatorID string) (*SubscriptionView, error) {
	sub, err := s.repo.GetSubscription(ctx, subscriberID, creatorID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, apperror.NotFound("subscription")
		}
		return nil, apperror.Storage(err)
	}
	return &SubscriptionView{Subscription: *sub, EffectiveStatus: sub.EffectiveStatus(s.now())}, nil
}
