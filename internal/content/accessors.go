package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
	"payments_service/internal/store"
)

// TierAccessor exposes subscription tiers. Tiers are always subscriber
// gated and priced per month.
type TierAccessor struct {
	repo commerce.Repository
}

func NewTierAccessor(repo commerce.Repository) *TierAccessor {
	return &TierAccessor{repo: repo}
}

func (a *TierAccessor) Lookup(ctx context.Context, id string) (*Item, error) {
	t, err := a.repo.GetTier(ctx, id)
	if err != nil {
		if errors.Is(err, commerce.ErrTierNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return &Item{
		Owner: t.CreatorID,
		Price: decimal.NewNullDecimal(t.Price),
		Rule:  RuleSubscribers,
	}, nil
}

// Table describes where a collaborator keeps one kind of content.
type Table struct {
	Name        string
	IDColumn    string
	OwnerColumn string
	PriceColumn string
	RuleColumn  string
}

var DefaultTables = map[ledger.SubjectKind]Table{
	ledger.SubjectPost:    {Name: "posts", IDColumn: "post_id", OwnerColumn: "user_id", PriceColumn: "price", RuleColumn: "access"},
	ledger.SubjectMedia:   {Name: "media", IDColumn: "media_id", OwnerColumn: "user_id", PriceColumn: "price", RuleColumn: "access"},
	ledger.SubjectMessage: {Name: "messages", IDColumn: "message_id", OwnerColumn: "sender_id", PriceColumn: "price", RuleColumn: "access"},
}

type TableAccessor struct {
	db    *gorm.DB
	table Table
}

func NewTableAccessor(db *gorm.DB, table Table) *TableAccessor {
	return &TableAccessor{db: db, table: table}
}

type itemRow struct {
	Owner string
	Price decimal.NullDecimal
	Rule  *string
}

func (a *TableAccessor) Lookup(ctx context.Context, id string) (*Item, error) {
	t := a.table
	var row itemRow
	err := store.Conn(ctx, a.db).
		Table(t.Name).
		Select(fmt.Sprintf("%s AS owner, %s AS price, %s AS rule", t.OwnerColumn, t.PriceColumn, t.RuleColumn)).
		Where(fmt.Sprintf("%s = ?", t.IDColumn), id).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}

	item := &Item{Owner: row.Owner, Price: row.Price, Rule: RuleFree}
	if row.Rule != nil && *row.Rule != "" {
		item.Rule = AccessRule(*row.Rule)
	} else if row.Price.Valid && row.Price.Decimal.IsPositive() {
		item.Rule = RulePurchase
	}
	return item, nil
}

type GormUserDirectory struct {
	db *gorm.DB
}

func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) Exists(ctx context.Context, userID string) (bool, error) {
	var count int64
	err := store.Conn(ctx, d.db).Table("users").Where("id = ?", userID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// GormTipPolicy reads the messaging collaborator's per-creator settings.
type GormTipPolicy struct {
	db *gorm.DB
}

func NewGormTipPolicy(db *gorm.DB) *GormTipPolicy {
	return &GormTipPolicy{db: db}
}

type messagingSettings struct {
	RequireTip bool
	MinimumTip decimal.Decimal
}

func (p *GormTipPolicy) RequiredTip(ctx context.Context, senderID, receiverID string) (decimal.Decimal, bool, error) {
	var s messagingSettings
	err := store.Conn(ctx, p.db).
		Table("messaging_settings").
		Select("require_tip, minimum_tip").
		Where("user_id = ?", receiverID).
		Take(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	if !s.RequireTip {
		return decimal.Zero, false, nil
	}
	return s.MinimumTip, true, nil
}
