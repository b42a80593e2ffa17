package commerce

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payments_service/internal/ledger"
	"payments_service/internal/store"
)

var (
	ErrTierNotFound         = errors.New("tier not found")
	ErrPurchaseNotFound     = errors.New("purchase not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

type Repository interface {
	GetTier(ctx context.Context, id string) (*Tier, error)
	CreateTier(ctx context.Context, t *Tier) error
	CreateTip(ctx context.Context, t *Tip) error
	CreatePurchase(ctx context.Context, p *Purchase) error
	FindActivePurchase(ctx context.Context, userID string, subject ledger.Subject) (*Purchase, error)
	RevokePurchases(ctx context.Context, transactionID string, at time.Time) (int64, error)
	GetSubscription(ctx context.Context, subscriberID, creatorID string) (*Subscription, error)
	GetSubscriptionForUpdate(ctx context.Context, subscriberID, creatorID string) (*Subscription, error)
	GetSubscriptionByExternalIDForUpdate(ctx context.Context, externalID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, subscriberID string) ([]Subscription, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) GetTier(ctx context.Context, id string) (*Tier, error) {
	var t Tier
	if err := store.Conn(ctx, r.db).Where("tier_id = ?", id).First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTierNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *GormRepository) CreateTier(ctx context.Context, t *Tier) error {
	return store.Conn(ctx, r.db).Create(t).Error
}

func (r *GormRepository) CreateTip(ctx context.Context, t *Tip) error {
	return store.Conn(ctx, r.db).Create(t).Error
}

func (r *GormRepository) CreatePurchase(ctx context.Context, p *Purchase) error {
	return store.Conn(ctx, r.db).Create(p).Error
}

func (r *GormRepository) FindActivePurchase(ctx context.Context, userID string, subject ledger.Subject) (*Purchase, error) {
	var p Purchase
	err := store.Conn(ctx, r.db).
		Where("user_id = ? AND purchasable_type = ? AND purchasable_id = ? AND revoked_at IS NULL", userID, subject.Kind, subject.ID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPurchaseNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *GormRepository) RevokePurchases(ctx context.Context, transactionID string, at time.Time) (int64, error) {
	result := store.Conn(ctx, r.db).Model(&Purchase{}).
		Where("transaction_id = ? AND revoked_at IS NULL", transactionID).
		Update("revoked_at", at)
	return result.RowsAffected, result.Error
}

func (r *GormRepository) GetSubscription(ctx context.Context, subscriberID, creatorID string) (*Subscription, error) {
	return r.firstSubscription(store.Conn(ctx, r.db).
		Where("subscriber_id = ? AND creator_id = ?", subscriberID, creatorID))
}

func (r *GormRepository) GetSubscriptionForUpdate(ctx context.Context, subscriberID, creatorID string) (*Subscription, error) {
	return r.firstSubscription(store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("subscriber_id = ? AND creator_id = ?", subscriberID, creatorID))
}

func (r *GormRepository) GetSubscriptionByExternalIDForUpdate(ctx context.Context, externalID string) (*Subscription, error) {
	return r.firstSubscription(store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_subscription_id = ?", externalID))
}

func (r *GormRepository) firstSubscription(q *gorm.DB) (*Subscription, error) {
	var s Subscription
	if err := q.First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *GormRepository) SaveSubscription(ctx context.Context, s *Subscription) error {
	return store.Conn(ctx, r.db).Save(s).Error
}

func (r *GormRepository) ListSubscriptions(ctx context.Context, subscriberID string) ([]Subscription, error) {
	var rows []Subscription
	err := store.Conn(ctx, r.db).
		Where("subscriber_id = ?", subscriberID).
		Order("end_date DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
