package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payments_service/internal/apperror"
	"payments_service/internal/logger"
)

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) GetByUser(ctx context.Context, userID string) (*Wallet, error) {
	args := m.Called(ctx, userID)
	if w := args.Get(0); w != nil {
		return w.(*Wallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) GetOrCreateForUpdate(ctx context.Context, userID string) (*Wallet, error) {
	args := m.Called(ctx, userID)
	if w := args.Get(0); w != nil {
		return w.(*Wallet), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRepository) Update(ctx context.Context, w *Wallet) error {
	return m.Called(ctx, w).Error(0)
}

func (m *mockRepository) AppendHistory(ctx context.Context, entries []History) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *mockRepository) ListHistory(ctx context.Context, userID string, limit, offset int) ([]History, error) {
	args := m.Called(ctx, userID, limit, offset)
	return args.Get(0).([]History), args.Error(1)
}

// directTx runs the unit without a database.
type directTx struct{}

func (directTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestSubtractFundsInsufficient(t *testing.T) {
	repo := new(mockRepository)
	svc := NewService(repo, directTx{}, logger.Discard(), nil)

	repo.On("GetOrCreateForUpdate", mock.Anything, "u-1").
		Return(&Wallet{WalletID: "w-1", UserID: "u-1", AvailableForPayout: decimal.NewFromInt(40), TotalBalance: decimal.NewFromInt(40)}, nil)

	_, err := svc.SubtractFunds(context.Background(), "u-1", decimal.NewFromInt(60), BucketAvailable, "test", "")

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientFunds))
	repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "AppendHistory", mock.Anything, mock.Anything)
}

func TestCreditEarningsWritesOneHistoryRowPerBucket(t *testing.T) {
	repo := new(mockRepository)
	svc := NewService(repo, directTx{}, logger.Discard(), nil)

	repo.On("GetOrCreateForUpdate", mock.Anything, "u-2").
		Return(&Wallet{WalletID: "w-2", UserID: "u-2", Version: 1}, nil)
	repo.On("Update", mock.Anything, mock.AnythingOfType("*wallet.Wallet")).Return(nil)
	repo.On("AppendHistory", mock.Anything, mock.MatchedBy(func(entries []History) bool {
		return len(entries) == 2 &&
			entries[0].Bucket == BucketPending &&
			entries[1].Bucket == BucketTotal &&
			*entries[0].TransactionID == "t-1"
	})).Return(nil)

	w, err := svc.CreditEarnings(context.Background(), "u-2", decimal.NewFromInt(5), "tip_received", "t-1")

	require.NoError(t, err)
	assert.True(t, w.PendingBalance.Equal(decimal.NewFromInt(5)))
	assert.True(t, w.TotalBalance.Equal(decimal.NewFromInt(5)))
	assert.True(t, w.AvailableForPayout.IsZero())
	repo.AssertExpectations(t)
}

func TestAddFundsRejectsNonPositiveAmount(t *testing.T) {
	svc := NewService(new(mockRepository), directTx{}, logger.Discard(), nil)

	_, err := svc.AddFunds(context.Background(), "u-1", decimal.Zero, BucketAvailable, "test", "")
	assert.True(t, apperror.IsValidation(err))

	_, err = svc.AddFunds(context.Background(), "u-1", decimal.RequireFromString("1.005"), BucketAvailable, "test", "")
	assert.True(t, apperror.IsValidation(err))
}

func TestApplyRejectsUnknownBucket(t *testing.T) {
	svc := NewService(new(mockRepository), directTx{}, logger.Discard(), nil)

	_, err := svc.AddFunds(context.Background(), "u-1", decimal.NewFromInt(1), Bucket("bonus"), "test", "")
	assert.True(t, apperror.IsValidation(err))
}

func TestReclaimDrainsPendingThenAvailable(t *testing.T) {
	repo := new(mockRepository)
	svc := NewService(repo, directTx{}, logger.Discard(), nil)

	repo.On("GetOrCreateForUpdate", mock.Anything, "u-3").Return(&Wallet{
		WalletID:           "w-3",
		UserID:             "u-3",
		PendingBalance:     decimal.NewFromInt(3),
		AvailableForPayout: decimal.NewFromInt(10),
		TotalBalance:       decimal.NewFromInt(13),
	}, nil)
	repo.On("Update", mock.Anything, mock.Anything).Return(nil)
	repo.On("AppendHistory", mock.Anything, mock.Anything).Return(nil)

	w, err := svc.Reclaim(context.Background(), "u-3", decimal.NewFromInt(5), "refund", "t-9")

	require.NoError(t, err)
	assert.True(t, w.PendingBalance.IsZero())
	assert.True(t, w.AvailableForPayout.Equal(decimal.NewFromInt(8)))
	assert.True(t, w.TotalBalance.Equal(decimal.NewFromInt(8)))
}

func TestGetBalanceWithoutWalletIsZero(t *testing.T) {
	repo := new(mockRepository)
	svc := NewService(repo, directTx{}, logger.Discard(), nil)
	repo.On("GetByUser", mock.Anything, "new-user").Return(nil, ErrWalletNotFound)

	w, err := svc.GetBalance(context.Background(), "new-user")

	require.NoError(t, err)
	assert.Equal(t, "new-user", w.UserID)
	assert.True(t, w.TotalBalance.IsZero())
}

func TestGetBalanceStorageFailureIsRetryable(t *testing.T) {
	repo := new(mockRepository)
	svc := NewService(repo, directTx{}, logger.Discard(), nil)
	repo.On("GetByUser", mock.Anything, "u-1").Return(nil, errors.New("connection reset"))

	_, err := svc.GetBalance(context.Background(), "u-1")

	assert.True(t, apperror.IsRetryable(err))
}
