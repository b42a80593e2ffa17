package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeTip                     Type = "tip"
	TypeOneTimePurchase         Type = "one-time-purchase"
	TypeMessagePurchase         Type = "message-purchase"
	TypeOneMonthSubscription    Type = "one-month-subscription"
	TypeThreeMonthSubscription  Type = "three-month-subscription"
	TypeSixMonthSubscription    Type = "six-month-subscription"
	TypeTwelveMonthSubscription Type = "twelve-month-subscription"
	TypePayoutRequest           Type = "payout-request"
	TypePayoutCancelled         Type = "payout-cancelled"
)

var subscriptionMonths = map[Type]int{
	TypeOneMonthSubscription:    1,
	TypeThreeMonthSubscription:  3,
	TypeSixMonthSubscription:    6,
	TypeTwelveMonthSubscription: 12,
}

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypeTip, TypeOneTimePurchase, TypeMessagePurchase,
		TypeOneMonthSubscription, TypeThreeMonthSubscription, TypeSixMonthSubscription, TypeTwelveMonthSubscription,
		TypePayoutRequest, TypePayoutCancelled:
		return t, nil
	}
	return "", fmt.Errorf("unknown transaction type %q", s)
}

func (t Type) IsSubscription() bool {
	_, ok := subscriptionMonths[t]
	return ok
}

func (t Type) IsPurchase() bool {
	return t == TypeOneTimePurchase || t == TypeMessagePurchase
}

// Months is the subscription duration, zero for other types.
func (t Type) Months() int {
	return subscriptionMonths[t]
}

func SubscriptionType(months int) (Type, bool) {
	for t, m := range subscriptionMonths {
		if m == months {
			return t, true
		}
	}
	return "", false
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
	StatusRefunded Status = "refunded"
)

var transitions = map[Status][]Status{
	StatusPending:  {StatusApproved, StatusDeclined},
	StatusApproved: {StatusRefunded},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type PaymentMethod string

const (
	MethodWallet PaymentMethod = "wallet"
	MethodCCBill PaymentMethod = "ccbill"
)

// ParsePaymentMethod accepts an empty string as "no override".
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(s); m {
	case "", MethodWallet, MethodCCBill:
		return m, nil
	}
	return "", fmt.Errorf("unknown payment method %q", s)
}

type SubjectKind string

const (
	SubjectTier          SubjectKind = "tier"
	SubjectPost          SubjectKind = "post"
	SubjectMedia         SubjectKind = "media"
	SubjectMessage       SubjectKind = "message"
	SubjectPayoutRequest SubjectKind = "payout-request"
)

func ParseSubjectKind(s string) (SubjectKind, error) {
	switch k := SubjectKind(s); k {
	case SubjectTier, SubjectPost, SubjectMedia, SubjectMessage, SubjectPayoutRequest:
		return k, nil
	}
	return "", fmt.Errorf("unknown subject type %q", s)
}

// Subject is what a transaction pays for.
type Subject struct {
	Kind SubjectKind `json:"type"`
	ID   string      `json:"id"`
}

func (s Subject) IsZero() bool { return s.Kind == "" && s.ID == "" }

func (s Subject) String() string { return string(s.Kind) + ":" + s.ID }

// Keys used in AdditionalData.
const (
	DataTrackingLinkID = "tracking_link_id"
	DataSource         = "source"
	DataDuration       = "duration"
	DataExternalRefund = "external_refund"
	DataRefundReason   = "refund_reason"
	DataFeePolicy      = "fee_policy"
	DataMessageID      = "message_id"
)

type Transaction struct {
	TransactionID          string            `gorm:"column:transaction_id;primaryKey;type:uuid;default:uuid_generate_v4()" json:"transaction_id"`
	SenderID               *string           `gorm:"column:sender_id;type:uuid;index" json:"sender_id"`
	ReceiverID             *string           `gorm:"column:receiver_id;type:uuid;index" json:"receiver_id"`
	Amount                 decimal.Decimal   `gorm:"column:amount;type:numeric(20,2);not null" json:"amount"`
	PlatformFee            decimal.Decimal   `gorm:"column:platform_fee;type:numeric(20,2);not null;default:0" json:"platform_fee"`
	Type                   Type              `gorm:"column:type;type:varchar(40);not null" json:"type"`
	Status                 Status            `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	PaymentMethod          PaymentMethod     `gorm:"column:payment_method;type:varchar(20);not null" json:"payment_method"`
	ExternalTransactionID  *string           `gorm:"column:external_transaction_id;type:varchar(255);uniqueIndex" json:"external_transaction_id,omitempty"`
	ExternalSubscriptionID *string           `gorm:"column:external_subscription_id;type:varchar(255);index" json:"external_subscription_id,omitempty"`
	SubjectType            SubjectKind       `gorm:"column:subject_type;type:varchar(32)" json:"subject_type,omitempty"`
	SubjectID              string            `gorm:"column:subject_id;type:varchar(64)" json:"subject_id,omitempty"`
	AdditionalData         datatypes.JSONMap `gorm:"column:additional_data;type:jsonb" json:"additional_data,omitempty"`
	DeclineReason          string            `gorm:"column:decline_reason;type:varchar(255)" json:"decline_reason,omitempty"`
	ApprovedAt             *time.Time        `gorm:"column:approved_at" json:"approved_at,omitempty"`
	RefundedAt             *time.Time        `gorm:"column:refunded_at" json:"refunded_at,omitempty"`
	CreatedAt              time.Time         `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt              time.Time         `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Transaction) TableName() string { return "transactions" }

func (t *Transaction) Subject() Subject {
	return Subject{Kind: t.SubjectType, ID: t.SubjectID}
}

func (t *Transaction) SetSubject(s Subject) {
	t.SubjectType = s.Kind
	t.SubjectID = s.ID
}

func (t *Transaction) Sender() string   { return deref(t.SenderID) }
func (t *Transaction) Receiver() string { return deref(t.ReceiverID) }

// NetAmount is what the receiver keeps after the platform fee.
func (t *Transaction) NetAmount() decimal.Decimal {
	return t.Amount.Sub(t.PlatformFee)
}

func (t *Transaction) SetData(key string, value any) {
	if t.AdditionalData == nil {
		t.AdditionalData = datatypes.JSONMap{}
	}
	t.AdditionalData[key] = value
}

func (t *Transaction) DataString(key string) string {
	if v, ok := t.AdditionalData[key].(string); ok {
		return v
	}
	return ""
}

// TransitionTo moves the transaction along the state machine and stamps the
// matching timestamp.
func (t *Transaction) TransitionTo(to Status, at time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = at
	switch to {
	case StatusApproved:
		t.ApprovedAt = &at
	case StatusRefunded:
		t.RefundedAt = &at
	}
	return nil
}

// Clone copies the transaction including its additional data.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.AdditionalData != nil {
		cp.AdditionalData = make(datatypes.JSONMap, len(t.AdditionalData))
		for k, v := range t.AdditionalData {
			cp.AdditionalData[k] = v
		}
	}
	return &cp
}

func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
