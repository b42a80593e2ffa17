package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payments_service/internal/apperror"
	"payments_service/internal/config"
	"payments_service/internal/metrics"
)

var ErrOptimisticLock = errors.New("optimistic lock error")

// Postgres error codes that are safe to retry as a whole transaction.
const (
	codeLockNotAvailable     = "55P03"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

// TxRunner runs fn as one atomic unit. The context passed to fn carries the
// transaction; repositories pick it up through Conn. Calling WithinTx with
// a context that already carries a transaction joins it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type txKey struct{}

// Conn returns the transaction bound to ctx, or db scoped to ctx.
func Conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return db.WithContext(ctx)
}

func InTx(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

type Options struct {
	LockTimeout time.Duration
	MaxRetries  int
	RetryDelay  time.Duration
}

type Transactor struct {
	db      *gorm.DB
	opts    Options
	log     *logrus.Logger
	metrics *metrics.Metrics
}

func NewTransactor(db *gorm.DB, opts Options, log *logrus.Logger, m *metrics.Metrics) *Transactor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Transactor{db: db, opts: opts, log: log, metrics: m}
}

func (t *Transactor) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}

	delay := t.opts.RetryDelay
	var err error
	for attempt := 0; ; attempt++ {
		start := time.Now()
		err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if t.opts.LockTimeout > 0 {
				stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", t.opts.LockTimeout.Milliseconds())
				if execErr := tx.Exec(stmt).Error; execErr != nil {
					return execErr
				}
			}
			return fn(context.WithValue(ctx, txKey{}, tx))
		})
		if err == nil {
			t.metrics.TxObserved("committed", time.Since(start).Seconds())
			return nil
		}
		t.metrics.TxObserved("rolled_back", time.Since(start).Seconds())

		if !IsTransient(err) || attempt >= t.opts.MaxRetries {
			break
		}
		t.metrics.TxRetried()
		if t.log != nil {
			t.log.WithFields(logrus.Fields{"attempt": attempt + 1, "error": err}).Warn("retrying transaction")
		}

		select {
		case <-ctx.Done():
			return apperror.Storage(ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}

	return Classify(err)
}

// Classify turns an error that escaped a transaction into an AppError.
// Domain errors pass through untouched.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperror.Storage(err)
}

// IsTransient reports lock timeouts, serialization failures, deadlocks and
// optimistic lock conflicts.
func IsTransient(err error) bool {
	if errors.Is(err, ErrOptimisticLock) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeLockNotAvailable, codeSerializationFailure, codeDeadlockDetected:
			return true
		}
	}
	return false
}

func IsUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
