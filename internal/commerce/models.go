package commerce

import (
	"time"

	"github.com/shopspring/decimal"

	"payments_service/internal/ledger"
)

type Tier struct {
	TierID    string          `gorm:"column:tier_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"tier_id"`
	CreatorID string          `gorm:"column:creator_id;type:uuid;not null;index" json:"creator_id"`
	Name      string          `gorm:"column:name;type:varchar(120);not null" json:"name"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(20,2);not null" json:"price"`
	Active    bool            `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt time.Time       `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Tier) TableName() string { return "tiers" }

type Tip struct {
	TipID         string             `gorm:"column:tip_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"tip_id"`
	SenderID      string             `gorm:"column:sender_id;type:uuid;not null;index" json:"sender_id"`
	ReceiverID    string             `gorm:"column:receiver_id;type:uuid;not null;index" json:"receiver_id"`
	TippableType  ledger.SubjectKind `gorm:"column:tippable_type;type:varchar(32)" json:"tippable_type,omitempty"`
	TippableID    string             `gorm:"column:tippable_id;type:varchar(64)" json:"tippable_id,omitempty"`
	Amount        decimal.Decimal    `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	TransactionID string             `gorm:"column:transaction_id;type:uuid;not null;uniqueIndex" json:"transaction_id"`
	CreatedAt     time.Time          `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (Tip) TableName() string { return "tips" }

// Purchase is the unlock proof for a single item while RevokedAt is nil.
type Purchase struct {
	PurchaseID      string             `gorm:"column:purchase_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"purchase_id" db:"purchase_id"`
	UserID          string             `gorm:"column:user_id;type:uuid;not null;index:idx_purchases_owner" json:"user_id" db:"user_id"`
	PurchasableType ledger.SubjectKind `gorm:"column:purchasable_type;type:varchar(32);not null;index:idx_purchases_owner" json:"purchasable_type" db:"purchasable_type"`
	PurchasableID   string             `gorm:"column:purchasable_id;type:varchar(64);not null;index:idx_purchases_owner" json:"purchasable_id" db:"purchasable_id"`
	Amount          decimal.Decimal    `gorm:"column:amount;type:numeric(20,2);not null" json:"amount" db:"amount"`
	TransactionID   string             `gorm:"column:transaction_id;type:uuid;not null;uniqueIndex" json:"transaction_id" db:"transaction_id"`
	RevokedAt       *time.Time         `gorm:"column:revoked_at" json:"revoked_at,omitempty" db:"revoked_at"`
	CreatedAt       time.Time          `gorm:"column:created_at;not null;default:now()" json:"created_at" db:"created_at"`
}

func (Purchase) TableName() string { return "purchases" }

type SubscriptionStatus string

// Stored statuses. Expired is never stored; it is derived from end_date.
const (
	SubscriptionPending   SubscriptionStatus = "pending"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionSuspended SubscriptionStatus = "suspended"
	SubscriptionFailed    SubscriptionStatus = "failed"
	SubscriptionExpired   SubscriptionStatus = "expired"
)

type Subscription struct {
	SubscriptionID         string             `gorm:"column:subscription_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"subscription_id" db:"subscription_id"`
	SubscriberID           string             `gorm:"column:subscriber_id;type:uuid;not null;uniqueIndex:idx_subscriptions_pair" json:"subscriber_id" db:"subscriber_id"`
	CreatorID              string             `gorm:"column:creator_id;type:uuid;not null;uniqueIndex:idx_subscriptions_pair" json:"creator_id" db:"creator_id"`
	TierID                 string             `gorm:"column:tier_id;type:uuid;not null" json:"tier_id" db:"tier_id"`
	Status                 SubscriptionStatus `gorm:"column:status;type:varchar(20);not null" json:"status" db:"status"`
	StartDate              time.Time          `gorm:"column:start_date;not null" json:"start_date" db:"start_date"`
	EndDate                time.Time          `gorm:"column:end_date;not null" json:"end_date" db:"end_date"`
	Duration               int                `gorm:"column:duration;not null" json:"duration" db:"duration"`
	Amount                 decimal.Decimal    `gorm:"column:amount;type:numeric(20,2);not null" json:"amount" db:"amount"`
	LastTransactionID      string             `gorm:"column:last_transaction_id;type:uuid" json:"last_transaction_id" db:"last_transaction_id"`
	ExternalSubscriptionID *string            `gorm:"column:external_subscription_id;type:varchar(255);index" json:"external_subscription_id,omitempty" db:"external_subscription_id"`
	CancelledAt            *time.Time         `gorm:"column:cancelled_at" json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt              time.Time          `gorm:"column:created_at;not null;default:now()" json:"created_at" db:"created_at"`
	UpdatedAt              time.Time          `gorm:"column:updated_at;not null;default:now()" json:"updated_at" db:"updated_at"`
}

func (Subscription) TableName() string { return "subscriptions" }

func (s *Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	return DeriveStatus(s.Status, s.StartDate, s.EndDate, now)
}

// SubscriptionView is what the API returns: the stored row plus the
// derived status.
type SubscriptionView struct {
	Subscription
	EffectiveStatus SubscriptionStatus `json:"effective_status"`
}

// DeriveStatus is the single place the effective subscription status is
// computed. Explicit terminal states win, then an elapsed end date, then a
// pending start in the future.
func DeriveStatus(stored SubscriptionStatus, start, end, now time.Time) SubscriptionStatus {
	switch stored {
	case SubscriptionCancelled, SubscriptionSuspended, SubscriptionFailed:
		return stored
	}
	if !end.IsZero() && !now.Before(end) {
		return SubscriptionExpired
	}
	if stored == SubscriptionPending && now.Before(start) {
		return SubscriptionPending
	}
	return SubscriptionActive
}
