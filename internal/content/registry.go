package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"payments_service/internal/apperror"
	"payments_service/internal/ledger"
)

var ErrItemNotFound = errors.New("content item not found")

type AccessRule string

const (
	RuleFree        AccessRule = "free"
	RulePurchase    AccessRule = "purchase"
	RuleSubscribers AccessRule = "subscribers"
	RuleTip         AccessRule = "tip"
)

// Item is what the payment core needs to know about anything it can sell.
type Item struct {
	Owner string
	Price decimal.NullDecimal
	Rule  AccessRule
}

type Accessor interface {
	Lookup(ctx context.Context, id string) (*Item, error)
}

type AccessorFunc func(ctx context.Context, id string) (*Item, error)

func (f AccessorFunc) Lookup(ctx context.Context, id string) (*Item, error) {
	return f(ctx, id)
}

// Registry maps each subject kind to the collaborator that owns it.
type Registry struct {
	accessors map[ledger.SubjectKind]Accessor
}

func NewRegistry() *Registry {
	return &Registry{accessors: make(map[ledger.SubjectKind]Accessor)}
}

func (r *Registry) Register(kind ledger.SubjectKind, a Accessor) {
	r.accessors[kind] = a
}

func (r *Registry) Lookup(ctx context.Context, s ledger.Subject) (*Item, error) {
	a, ok := r.accessors[s.Kind]
	if !ok {
		return nil, apperror.Validation("subject_type", fmt.Sprintf("unsupported subject type %q", s.Kind))
	}
	if s.ID == "" {
		return nil, apperror.Validation("subject_id", "is required")
	}
	item, err := a.Lookup(ctx, s.ID)
	if err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return nil, apperror.NotFound(string(s.Kind))
		}
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, apperror.Storage(err)
	}
	return item, nil
}

// UserDirectory answers whether a user id is known to the platform.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// TipPolicy tells whether receiver demands a tip before accepting a
// message from sender, and how much.
type TipPolicy interface {
	RequiredTip(ctx context.Context, senderID, receiverID string) (decimal.Decimal, bool, error)
}

type NoTipPolicy struct{}

func (NoTipPolicy) RequiredTip(context.Context, string, string) (decimal.Decimal, bool, error) {
	return decimal.Zero, false, nil
}
