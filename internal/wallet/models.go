package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type Bucket string

const (
	BucketTotal     Bucket = "total"
	BucketPending   Bucket = "pending"
	BucketAvailable Bucket = "available_for_payout"
)

func ParseBucket(s string) (Bucket, bool) {
	switch Bucket(s) {
	case BucketTotal, BucketPending, BucketAvailable:
		return Bucket(s), true
	}
	return "", false
}

type Wallet struct {
	WalletID           string          `gorm:"column:wallet_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"wallet_id"`
	UserID             string          `gorm:"column:user_id;type:uuid;not null;uniqueIndex" json:"user_id"`
	TotalBalance       decimal.Decimal `gorm:"column:total_balance;type:numeric(20,2);not null;default:0" json:"total_balance"`
	PendingBalance     decimal.Decimal `gorm:"column:pending_balance;type:numeric(20,2);not null;default:0" json:"pending_balance"`
	AvailableForPayout decimal.Decimal `gorm:"column:available_for_payout;type:numeric(20,2);not null;default:0" json:"available_for_payout"`
	Version            int             `gorm:"column:version;not null;default:1" json:"-"`
	CreatedAt          time.Time       `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

func (w *Wallet) Balance(b Bucket) decimal.Decimal {
	switch b {
	case BucketTotal:
		return w.TotalBalance
	case BucketPending:
		return w.PendingBalance
	case BucketAvailable:
		return w.AvailableForPayout
	}
	return decimal.Zero
}

func (w *Wallet) setBalance(b Bucket, v decimal.Decimal) {
	switch b {
	case BucketTotal:
		w.TotalBalance = v
	case BucketPending:
		w.PendingBalance = v
	case BucketAvailable:
		w.AvailableForPayout = v
	}
}

// History is one append-only row per bucket change.
type History struct {
	HistoryID     string          `gorm:"column:history_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"history_id"`
	WalletID      string          `gorm:"column:wallet_id;type:uuid;not null;index" json:"wallet_id"`
	UserID        string          `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Bucket        Bucket          `gorm:"column:bucket;type:varchar(32);not null" json:"bucket"`
	Delta         decimal.Decimal `gorm:"column:delta;type:numeric(20,2);not null" json:"delta"`
	BalanceAfter  decimal.Decimal `gorm:"column:balance_after;type:numeric(20,2);not null" json:"balance_after"`
	Reason        string          `gorm:"column:reason;type:varchar(255);not null" json:"reason"`
	TransactionID *string         `gorm:"column:transaction_id;type:uuid;index" json:"transaction_id,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (History) TableName() string { return "wallet_history" }

// Mutation is a signed change to one bucket.
type Mutation struct {
	Bucket Bucket
	Delta  decimal.Decimal
}

type FundsRequest struct {
	UserID        string          `json:"user_id" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
	Bucket        string          `json:"bucket" binding:"required"`
	Reason        string          `json:"reason"`
	TransactionID string          `json:"transaction_id"`
}

type MoveRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}
