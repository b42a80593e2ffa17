package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"payments_service/internal/store"
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrOptimisticLock = store.ErrOptimisticLock
)

type Repository interface {
	GetByUser(ctx context.Context, userID string) (*Wallet, error)
	// GetOrCreateForUpdate must be called inside a transaction. It creates
	// the wallet on first use and locks the row until commit.
	GetOrCreateForUpdate(ctx context.Context, userID string) (*Wallet, error)
	// Update persists the balances when the stored version still matches
	// w.Version and bumps it, returning ErrOptimisticLock otherwise.
	Update(ctx context.Context, w *Wallet) error
	AppendHistory(ctx context.Context, entries []History) error
	ListHistory(ctx context.Context, userID string, limit, offset int) ([]History, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	var w Wallet
	err := store.Conn(ctx, r.db).Where("user_id = ?", userID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *GormRepository) GetOrCreateForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	db := store.Conn(ctx, r.db)

	seed := Wallet{
		WalletID: uuid.New().String(),
		UserID:   userID,
		Version:  1,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoNothing: true,
	}).Create(&seed).Error; err != nil {
		return nil, err
	}

	var w Wallet
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *GormRepository) Update(ctx context.Context, w *Wallet) error {
	now := time.Now()
	result := store.Conn(ctx, r.db).Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"total_balance":        w.TotalBalance,
			"pending_balance":      w.PendingBalance,
			"available_for_payout": w.AvailableForPayout,
			"version":              gorm.Expr("version + 1"),
			"updated_at":           now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOptimisticLock
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

func (r *GormRepository) AppendHistory(ctx context.Context, entries []History) error {
	if len(entries) == 0 {
		return nil
	}
	return store.Conn(ctx, r.db).Create(&entries).Error
}

func (r *GormRepository) ListHistory(ctx context.Context, userID string, limit, offset int) ([]History, error) {
	var rows []History
	err := store.Conn(ctx, r.db).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
