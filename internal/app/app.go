// Package app wires repositories, services and the HTTP router together.
package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"gorm.io/gorm"

	"payments_service/internal/commerce"
	"payments_service/internal/config"
	"payments_service/internal/content"
	"payments_service/internal/entitlement"
	"payments_service/internal/events"
	"payments_service/internal/gateway"
	"payments_service/internal/http/handlers"
	"payments_service/internal/http/router"
	"payments_service/internal/ledger"
	"payments_service/internal/memstore"
	"payments_service/internal/metrics"
	"payments_service/internal/payment"
	"payments_service/internal/payout"
	"payments_service/internal/settlement"
	"payments_service/internal/store"
	"payments_service/internal/wallet"
	"payments_service/internal/webhook"
)

// Backend is the storage the services run on.
type Backend struct {
	Tx           store.TxRunner
	Wallets      wallet.Repository
	Ledger       ledger.Repository
	Commerce     commerce.Repository
	Payouts      payout.Repository
	Entitlements entitlement.Store
	Subjects     *content.Registry
	Users        content.UserDirectory
	TipPolicy    content.TipPolicy
}

func PostgresBackend(db *gorm.DB, cfg config.DatabaseConfig, m *metrics.Metrics, log *logrus.Logger) (*Backend, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	commerceRepo := commerce.NewGormRepository(db)

	subjects := content.NewRegistry()
	subjects.Register(ledger.SubjectTier, content.NewTierAccessor(commerceRepo))
	for kind, table := range content.DefaultTables {
		subjects.Register(kind, content.NewTableAccessor(db, table))
	}

	return &Backend{
		Tx: store.NewTransactor(db, store.Options{
			LockTimeout: cfg.LockTimeout,
			MaxRetries:  cfg.TxMaxRetries,
			RetryDelay:  cfg.TxRetryDelay,
		}, log, m),
		Wallets:      wallet.NewGormRepository(db),
		Ledger:       ledger.NewGormRepository(db),
		Commerce:     commerceRepo,
		Payouts:      payout.NewGormRepository(db),
		Entitlements: entitlement.NewSQLStore(sqlx.NewDb(sqlDB, "pgx")),
		Subjects:     subjects,
		Users:        content.NewGormUserDirectory(db),
		TipPolicy:    content.NewGormTipPolicy(db),
	}, nil
}

func MemoryBackend(mem *memstore.Store) *Backend {
	return &Backend{
		Tx:           mem,
		Wallets:      mem.Wallets(),
		Ledger:       mem.Ledger(),
		Commerce:     mem.Commerce(),
		Payouts:      mem.Payouts(),
		Entitlements: mem.Entitlements(),
		Subjects:     mem.Registry(),
		Users:        mem.Users(),
		TipPolicy:    mem.TipPolicy(),
	}
}

func NewGatewayClient(cfg config.GatewayConfig) (gateway.Client, error) {
	switch cfg.Provider {
	case "", "stub":
		return gateway.NewStubClient(cfg.BaseURL), nil
	case "ccbill":
		return gateway.NewHostedClient(gateway.HostedConfig{
			BaseURL:      cfg.BaseURL,
			AccountID:    cfg.AccountID,
			SubAccountID: cfg.SubAccountID,
			FormSecret:   cfg.FormSecret,
			Currency:     cfg.Currency,
		}), nil
	}
	return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
}

type Deps struct {
	Backend      *Backend
	Gateway      gateway.Client
	Publisher    events.Publisher
	Metrics      *metrics.Metrics
	LimiterStore limiter.Store
	Log          *logrus.Logger
}

type App struct {
	Handler *handlers.Handler
	Engine  *gin.Engine
}

func New(cfg *config.Config, deps Deps) (*App, error) {
	b := deps.Backend
	log := deps.Log

	verifier, err := gateway.NewVerifier(cfg.Gateway.SignatureMode, cfg.Gateway.WebhookSecret)
	if err != nil {
		return nil, err
	}

	wallets := wallet.NewService(b.Wallets, b.Tx, log, deps.Metrics)
	catalog := commerce.NewService(b.Commerce, log)
	ledgerSvc := ledger.NewService(b.Ledger, b.Tx, wallets, catalog, deps.Publisher, cfg.Payments.PlatformUserID, log)

	var fees settlement.FeePolicy = settlement.NoFee{}
	if cfg.Payments.PlatformFeePercent.IsPositive() {
		fees = settlement.PercentageFee{Percent: cfg.Payments.PlatformFeePercent}
	}
	settler := settlement.NewSettler(wallets, catalog, fees, cfg.Payments.PlatformUserID, log)

	defaultMethod, err := ledger.ParsePaymentMethod(cfg.Payments.DefaultMethod)
	if err != nil {
		return nil, err
	}
	orchestrator := payment.NewOrchestrator(payment.Deps{
		Tx:        b.Tx,
		Ledger:    ledgerSvc,
		Wallets:   wallets,
		Settler:   settler,
		Catalog:   catalog,
		Subjects:  b.Subjects,
		Users:     b.Users,
		TipPolicy: b.TipPolicy,
		Gateway:   deps.Gateway,
		Publisher: deps.Publisher,
		Metrics:   deps.Metrics,
		Log:       log,
	}, payment.Options{DefaultMethod: defaultMethod})

	reconciler := webhook.NewReconciler(verifier, b.Tx, ledgerSvc, settler, catalog, deps.Publisher, deps.Metrics, log)
	payouts := payout.NewService(b.Payouts, b.Tx, wallets, ledgerSvc, deps.Publisher, deps.Metrics, cfg.Payments.MinimumPayout, log)
	gate := entitlement.NewGate(b.Entitlements, b.Subjects, log)

	h := &handlers.Handler{
		Payments:    orchestrator,
		Webhooks:    reconciler,
		Wallets:     wallets,
		Ledger:      ledgerSvc,
		Commerce:    catalog,
		Payouts:     payouts,
		Entitlement: gate,
		Log:         log,
	}
	engine := router.New(h, router.Options{
		JWTSecret:    cfg.JWT.Secret,
		RateLimit:    cfg.RateLimit,
		LimiterStore: deps.LimiterStore,
		Metrics:      deps.Metrics,
		Log:          log,
	})
	return &App{Handler: h, Engine: engine}, nil
}
