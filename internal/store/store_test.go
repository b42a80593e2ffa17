package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"payments_service/internal/apperror"
	"payments_service/internal/metrics"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db, mock
}

func TestWithinTxRetriesTransientErrors(t *testing.T) {
	db, mock := newMockDB(t)
	m := metrics.New(prometheus.NewRegistry())
	tr := NewTransactor(db, Options{LockTimeout: 2 * time.Second, MaxRetries: 3, RetryDelay: time.Millisecond}, nil, m)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout = '2000ms'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	calls := 0
	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		calls++
		assert.True(t, InTx(ctx))
		if calls == 1 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TxRetries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxPassesDomainErrorsThrough(t *testing.T) {
	db, mock := newMockDB(t)
	tr := NewTransactor(db, Options{MaxRetries: 3}, nil, nil)

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		calls++
		return apperror.ErrInsufficientFunds
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientFunds))
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxGivesUpAsStorageError(t *testing.T) {
	db, mock := newMockDB(t)
	tr := NewTransactor(db, Options{MaxRetries: 1, RetryDelay: time.Millisecond}, nil, nil)

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	err := tr.WithinTx(context.Background(), func(ctx context.Context) error {
		return fmt.Errorf("debit: %w", ErrOptimisticLock)
	})

	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeStorage, apperror.CodeOf(err))
	assert.True(t, apperror.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTxJoinsOuterTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	tr := NewTransactor(db, Options{}, nil, nil)

	mock.ExpectBegin()
	mock.ExpectCommit()

	err := tr.WithinTx(context.Background(), func(outer context.Context) error {
		return tr.WithinTx(outer, func(inner context.Context) error {
			assert.Same(t, Conn(outer, db), Conn(inner, db))
			return nil
		})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&pgconn.PgError{Code: "55P03"}))
	assert.True(t, IsTransient(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrOptimisticLock)))
	assert.False(t, IsTransient(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsUniqueViolation(gorm.ErrDuplicatedKey))
	assert.False(t, IsUniqueViolation(&pgconn.PgError{Code: "40001"}))
}
