package schema

import (
	"fmt"

	"gorm.io/gorm"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
	"payments_service/internal/payout"
	"payments_service/internal/wallet"
)

// Models lists every table owned by the payment service.
func Models() []any {
	return []any{
		&wallet.Wallet{},
		&wallet.History{},
		&ledger.Transaction{},
		&commerce.Tier{},
		&commerce.Tip{},
		&commerce.Purchase{},
		&commerce.Subscription{},
		&payout.Method{},
		&payout.Request{},
	}
}

func Migrate(db *gorm.DB) error {
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`).Error; err != nil {
		return fmt.Errorf("failed to enable uuid-ossp: %w", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}
