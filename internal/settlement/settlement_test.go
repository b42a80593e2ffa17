package settlement

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/wallet"
)

type mockWallets struct {
	mock.Mock
}

func (m *mockWallets) CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error) {
	args := m.Called(ctx, userID, amount.StringFixed(2), reason, transactionID)
	return &wallet.Wallet{UserID: userID}, args.Error(0)
}

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) RecordTip(ctx context.Context, t *ledger.Transaction) error {
	return m.Called(ctx, t.TransactionID).Error(0)
}

func (m *mockRecords) RecordPurchase(ctx context.Context, t *ledger.Transaction) error {
	return m.Called(ctx, t.TransactionID).Error(0)
}

func (m *mockRecords) ActivateSubscription(ctx context.Context, t *ledger.Transaction) (*commerce.Subscription, error) {
	args := m.Called(ctx, t.TransactionID)
	return &commerce.Subscription{}, args.Error(0)
}

func approved(typ ledger.Type, amount int64) *ledger.Transaction {
	return &ledger.Transaction{
		TransactionID: "t-1",
		SenderID:      ledger.StringPtr("fan"),
		ReceiverID:    ledger.StringPtr("creator"),
		Amount:        decimal.NewFromInt(amount),
		Type:          typ,
		Status:        ledger.StatusApproved,
	}
}

func TestPercentageFee(t *testing.T) {
	fee := PercentageFee{Percent: decimal.NewFromInt(20)}
	txn := &ledger.Transaction{Amount: decimal.RequireFromString("9.99")}

	// 1.998 rounds down to 1.99
	assert.Equal(t, "1.99", fee.Fee(txn).StringFixed(2))
	assert.True(t, PercentageFee{}.Fee(txn).IsZero())
}

func TestSettleTipCreditsReceiverAndPlatform(t *testing.T) {
	wallets := new(mockWallets)
	records := new(mockRecords)
	s := NewSettler(wallets, records, PercentageFee{Percent: decimal.NewFromInt(20)}, "platform", logger.Discard())

	txn := approved(ledger.TypeTip, 10)
	s.ApplyFee(txn)
	require.Equal(t, "2.00", txn.PlatformFee.StringFixed(2))
	assert.Equal(t, "percentage:20", txn.DataString(ledger.DataFeePolicy))

	wallets.On("CreditEarnings", mock.Anything, "creator", "8.00", "tip_received", "t-1").Return(nil)
	wallets.On("CreditEarnings", mock.Anything, "platform", "2.00", "platform_fee", "t-1").Return(nil)
	records.On("RecordTip", mock.Anything, "t-1").Return(nil)

	require.NoError(t, s.Settle(context.Background(), txn))
	wallets.AssertExpectations(t)
	records.AssertExpectations(t)
}

func TestSettleDispatchesByType(t *testing.T) {
	wallets := new(mockWallets)
	records := new(mockRecords)
	s := NewSettler(wallets, records, nil, "", logger.Discard())
	wallets.On("CreditEarnings", mock.Anything, "creator", mock.Anything, mock.Anything, "t-1").Return(nil)
	records.On("RecordPurchase", mock.Anything, "t-1").Return(nil)
	records.On("ActivateSubscription", mock.Anything, "t-1").Return(nil)

	require.NoError(t, s.Settle(context.Background(), approved(ledger.TypeMessagePurchase, 3)))
	require.NoError(t, s.Settle(context.Background(), approved(ledger.TypeSixMonthSubscription, 51)))

	records.AssertCalled(t, "RecordPurchase", mock.Anything, "t-1")
	records.AssertCalled(t, "ActivateSubscription", mock.Anything, "t-1")
	records.AssertNotCalled(t, "RecordTip", mock.Anything, mock.Anything)
}

func TestSettlePropagatesRecordFailure(t *testing.T) {
	wallets := new(mockWallets)
	records := new(mockRecords)
	s := NewSettler(wallets, records, nil, "", logger.Discard())
	wallets.On("CreditEarnings", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	records.On("RecordPurchase", mock.Anything, "t-1").Return(errors.New("insert failed"))

	err := s.Settle(context.Background(), approved(ledger.TypeOneTimePurchase, 5))
	assert.EqualError(t, err, "insert failed")
}

func TestSettleRejectsUnapproved(t *testing.T) {
	s := NewSettler(new(mockWallets), new(mockRecords), nil, "", logger.Discard())
	txn := approved(ledger.TypeTip, 5)
	txn.Status = ledger.StatusPending

	assert.Error(t, s.Settle(context.Background(), txn))
}
