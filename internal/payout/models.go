package payout

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type MethodType string

const (
	MethodBankTransfer MethodType = "bank_transfer"
	MethodPayPal       MethodType = "paypal"
	MethodCrypto       MethodType = "crypto"
)

func ParseMethodType(s string) (MethodType, bool) {
	switch t := MethodType(s); t {
	case MethodBankTransfer, MethodPayPal, MethodCrypto:
		return t, true
	}
	return "", false
}

type Method struct {
	PayoutMethodID string            `gorm:"column:payout_method_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"payout_method_id"`
	UserID         string            `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Type           MethodType        `gorm:"column:type;type:varchar(32);not null" json:"type"`
	Details        datatypes.JSONMap `gorm:"column:details;type:jsonb" json:"details,omitempty"`
	IsDefault      bool              `gorm:"column:is_default;not null;default:false" json:"is_default"`
	CreatedAt      time.Time         `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Method) TableName() string { return "payout_methods" }

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Request struct {
	PayoutRequestID     string          `gorm:"column:payout_request_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"payout_request_id"`
	UserID              string          `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	PayoutMethodID      string          `gorm:"column:payout_method_id;type:uuid;not null;index" json:"payout_method_id"`
	Amount              decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	Status              Status          `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	ReferenceID         string          `gorm:"column:reference_id;type:varchar(32);not null;uniqueIndex" json:"reference_id"`
	TransactionID       string          `gorm:"column:transaction_id;type:uuid;not null" json:"transaction_id"`
	CancelTransactionID *string         `gorm:"column:cancel_transaction_id;type:uuid" json:"cancel_transaction_id,omitempty"`
	ProcessedAt         *time.Time      `gorm:"column:processed_at" json:"processed_at,omitempty"`
	CompletedAt         *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CancelledAt         *time.Time      `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Request) TableName() string { return "payout_requests" }

type CancelResult struct {
	Request          *Request `json:"payout_request"`
	AlreadyCancelled bool     `json:"already_cancelled"`
}
