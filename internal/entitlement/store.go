package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
)

// Store is the read side the gate needs. Every proof must be backed by an
// approved transaction.
type Store interface {
	HasPurchase(ctx context.Context, userID string, subject ledger.Subject) (bool, error)
	// HasTip only counts tips paid to ownerID.
	HasTip(ctx context.Context, userID, ownerID string, subject ledger.Subject) (bool, error)
	// Subscription returns nil when the pair has never subscribed.
	Subscription(ctx context.Context, subscriberID, creatorID string) (*commerce.Subscription, error)
}

// SQLStore reads entitlement proofs with plain SQL. It shares the
// connection pool opened for gorm.
type SQLStore struct {
	db *sqlx.DB
}

func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) HasPurchase(ctx context.Context, userID string, subject ledger.Subject) (bool, error) {
	var ok bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM purchases p
			JOIN transactions t ON t.transaction_id = p.transaction_id
			WHERE p.user_id = $1
			  AND p.purchasable_type = $2
			  AND p.purchasable_id = $3
			  AND p.revoked_at IS NULL
			  AND t.status = 'approved'
		)
	`
	if err := s.db.GetContext(ctx, &ok, query, userID, subject.Kind, subject.ID); err != nil {
		return false, fmt.Errorf("entitlement store: has purchase %w", err)
	}
	return ok, nil
}

func (s *SQLStore) HasTip(ctx context.Context, userID, ownerID string, subject ledger.Subject) (bool, error) {
	var ok bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM tips tp
			JOIN transactions t ON t.transaction_id = tp.transaction_id
			WHERE tp.sender_id = $1
			  AND tp.receiver_id = $2
			  AND tp.tippable_type = $3
			  AND tp.tippable_id = $4
			  AND t.status = 'approved'
		)
	`
	if err := s.db.GetContext(ctx, &ok, query, userID, ownerID, subject.Kind, subject.ID); err != nil {
		return false, fmt.Errorf("entitlement store: has tip %w", err)
	}
	return ok, nil
}

func (s *SQLStore) Subscription(ctx context.Context, subscriberID, creatorID string) (*commerce.Subscription, error) {
	var sub commerce.Subscription
	query := `
		SELECT subscription_id, subscriber_id, creator_id, tier_id, status, start_date, end_date,
		       duration, amount, last_transaction_id, external_subscription_id, cancelled_at,
		       created_at, updated_at
		FROM subscriptions
		WHERE subscriber_id = $1 AND creator_id = $2
	`
	if err := s.db.GetContext(ctx, &sub, query, subscriberID, creatorID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("entitlement store: subscription %w", err)
	}
	return &sub, nil
}
