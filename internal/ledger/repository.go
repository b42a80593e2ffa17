package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payments_service/internal/store"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicateExternalID = errors.New("duplicate external transaction id")
	ErrStatusChanged       = errors.New("transaction status changed concurrently")
	ErrIllegalTransition   = errors.New("illegal status transition")
)

type Repository interface {
	Create(ctx context.Context, t *Transaction) error
	GetByID(ctx context.Context, id string) (*Transaction, error)
	GetForUpdate(ctx context.Context, id string) (*Transaction, error)
	GetByExternalID(ctx context.Context, externalID string) (*Transaction, error)
	GetByExternalIDForUpdate(ctx context.Context, externalID string) (*Transaction, error)
	// UpdateStatus writes the status related columns of t only while the
	// stored status still equals from.
	UpdateStatus(ctx context.Context, t *Transaction, from Status) error
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]Transaction, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Create(ctx context.Context, t *Transaction) error {
	if err := store.Conn(ctx, r.db).Create(t).Error; err != nil {
		if store.IsUniqueViolation(err) {
			return ErrDuplicateExternalID
		}
		return err
	}
	return nil
}

func (r *GormRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	return r.first(store.Conn(ctx, r.db).Where("transaction_id = ?", id))
}

func (r *GormRepository) GetForUpdate(ctx context.Context, id string) (*Transaction, error) {
	return r.first(store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", id))
}

func (r *GormRepository) GetByExternalID(ctx context.Context, externalID string) (*Transaction, error) {
	return r.first(store.Conn(ctx, r.db).Where("external_transaction_id = ?", externalID))
}

func (r *GormRepository) GetByExternalIDForUpdate(ctx context.Context, externalID string) (*Transaction, error) {
	return r.first(store.Conn(ctx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("external_transaction_id = ?", externalID))
}

func (r *GormRepository) first(q *gorm.DB) (*Transaction, error) {
	var t Transaction
	if err := q.First(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (r *GormRepository) UpdateStatus(ctx context.Context, t *Transaction, from Status) error {
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now()
	}
	result := store.Conn(ctx, r.db).Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", t.TransactionID, from).
		Updates(map[string]interface{}{
			"status":                   t.Status,
			"decline_reason":           t.DeclineReason,
			"approved_at":              t.ApprovedAt,
			"refunded_at":              t.RefundedAt,
			"external_subscription_id": t.ExternalSubscriptionID,
			"additional_data":          t.AdditionalData,
			"updated_at":               t.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (r *GormRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Transaction, error) {
	var rows []Transaction
	err := store.Conn(ctx, r.db).
		Where("sender_id = ? OR receiver_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
