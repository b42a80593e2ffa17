package payout_test

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/events"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/memstore"
	"payments_service/internal/payout"
	"payments_service/internal/wallet"
)

type fixture struct {
	mem     *memstore.Store
	wallets *wallet.Service
	events  *events.Recorder
	svc     *payout.Service
}

func newFixture(t *testing.T, minimum string) *fixture {
	t.Helper()
	log := logger.Discard()
	mem := memstore.New()
	pub := &events.Recorder{}

	wallets := wallet.NewService(mem.Wallets(), mem, log, nil)
	catalog := commerce.NewService(mem.Commerce(), log)
	led := ledger.NewService(mem.Ledger(), mem, wallets, catalog, pub, "", log)
	svc := payout.NewService(mem.Payouts(), mem, wallets, led, pub, nil, decimal.RequireFromString(minimum), log)

	return &fixture{mem: mem, wallets: wallets, events: pub, svc: svc}
}

func (f *fixture) available(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	w, err := f.wallets.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return w.AvailableForPayout
}

func (f *fixture) method(t *testing.T, userID string) *payout.Method {
	t.Helper()
	m, err := f.svc.CreateMethod(context.Background(), userID, payout.MethodPayPal, map[string]any{"email": userID + "@example.com"}, true)
	require.NoError(t, err)
	return m
}

func TestRequestAndCancelPayout(t *testing.T) {
	f := newFixture(t, "20")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(30), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")

	req, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(30), m.PayoutMethodID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusPending, req.Status)
	assert.Regexp(t, regexp.MustCompile(`^PO-[0-9A-F]{24}$`), req.ReferenceID)
	assert.True(t, f.available(t, "bob").IsZero())

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.TypePayoutRequest, txns[0].Type)
	assert.Equal(t, ledger.StatusApproved, txns[0].Status)
	assert.Equal(t, req.TransactionID, txns[0].TransactionID)

	res, err := f.svc.CancelPayout(ctx, "bob", req.PayoutRequestID, false)
	require.NoError(t, err)
	assert.False(t, res.AlreadyCancelled)
	assert.Equal(t, payout.StatusCancelled, res.Request.Status)
	require.NotNil(t, res.Request.CancelTransactionID)
	assert.True(t, f.available(t, "bob").Equal(decimal.NewFromInt(30)))

	res, err = f.svc.CancelPayout(ctx, "bob", req.PayoutRequestID, false)
	require.NoError(t, err)
	assert.True(t, res.AlreadyCancelled)
	assert.True(t, f.available(t, "bob").Equal(decimal.NewFromInt(30)))
	assert.Len(t, f.mem.Ledger().All(), 2)

	assert.Equal(t, []string{events.TypePayoutRequested, events.TypePayoutCancelled}, f.events.Types())
}

func TestRequestPayoutInsufficientFunds(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")

	_, err = f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(25), m.PayoutMethodID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientFunds))
	assert.NotEmpty(t, apperror.As(err).Details["transaction_id"])

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.StatusDeclined, txns[0].Status)
	assert.True(t, f.available(t, "bob").Equal(decimal.NewFromInt(10)))

	rows, err := f.svc.List(ctx, "bob", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRequestPayoutValidation(t *testing.T) {
	f := newFixture(t, "20")
	ctx := context.Background()
	m := f.method(t, "bob")

	for _, amount := range []string{"0", "-5", "19.99", "25.001"} {
		_, err := f.svc.RequestPayout(ctx, "bob", decimal.RequireFromString(amount), m.PayoutMethodID)
		require.Error(t, err, amount)
		assert.True(t, apperror.IsValidation(err), amount)
	}
}

func TestRequestPayoutWithForeignMethod(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "alice")

	_, err = f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(5), m.PayoutMethodID)
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
	assert.Empty(t, f.mem.Ledger().All())
}

func TestDeleteMethodWithOpenRequest(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")

	req, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)

	err = f.svc.DeleteMethod(ctx, "bob", m.PayoutMethodID)
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeConflict, apperror.CodeOf(err))

	_, err = f.svc.CancelPayout(ctx, "bob", req.PayoutRequestID, false)
	require.NoError(t, err)
	require.NoError(t, f.svc.DeleteMethod(ctx, "bob", m.PayoutMethodID))

	err = f.svc.DeleteMethod(ctx, "bob", m.PayoutMethodID)
	assert.True(t, apperror.IsNotFound(err))
}

func TestPayoutLifecycle(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")
	req, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)

	_, err = f.svc.MarkCompleted(ctx, req.PayoutRequestID)
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeInvalidStateTransition, apperror.CodeOf(err))

	processing, err := f.svc.MarkProcessing(ctx, req.PayoutRequestID)
	require.NoError(t, err)
	assert.NotNil(t, processing.ProcessedAt)

	_, err = f.svc.CancelPayout(ctx, "bob", req.PayoutRequestID, false)
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeInvalidStateTransition, apperror.CodeOf(err))

	done, err := f.svc.MarkCompleted(ctx, req.PayoutRequestID)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusCompleted, done.Status)
	assert.True(t, f.available(t, "bob").IsZero())
}

func TestCancelOtherUsersPayout(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")
	req, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)

	_, err = f.svc.CancelPayout(ctx, "alice", req.PayoutRequestID, false)
	assert.True(t, apperror.IsNotFound(err))

	res, err := f.svc.CancelPayout(ctx, "alice", req.PayoutRequestID, true)
	require.NoError(t, err)
	assert.Equal(t, payout.StatusCancelled, res.Request.Status)
}

// lockingRepo records the order of the method lock and the writes it guards.
type lockingRepo struct {
	payout.Repository
	calls []string
}

func (r *lockingRepo) GetMethodForUpdate(ctx context.Context, id string) (*payout.Method, error) {
	r.calls = append(r.calls, "lock_method")
	return r.Repository.GetMethodForUpdate(ctx, id)
}

func (r *lockingRepo) CountOpenRequests(ctx context.Context, methodID string) (int64, error) {
	r.calls = append(r.calls, "count_open")
	return r.Repository.CountOpenRequests(ctx, methodID)
}

func (r *lockingRepo) CreateRequest(ctx context.Context, req *payout.Request) error {
	r.calls = append(r.calls, "create_request")
	return r.Repository.CreateRequest(ctx, req)
}

func (r *lockingRepo) DeleteMethod(ctx context.Context, id string) error {
	r.calls = append(r.calls, "delete_method")
	return r.Repository.DeleteMethod(ctx, id)
}

func TestMethodIsLockedBeforeRequestOrDelete(t *testing.T) {
	log := logger.Discard()
	mem := memstore.New()
	repo := &lockingRepo{Repository: mem.Payouts()}
	wallets := wallet.NewService(mem.Wallets(), mem, log, nil)
	led := ledger.NewService(mem.Ledger(), mem, wallets, commerce.NewService(mem.Commerce(), log), &events.Recorder{}, "", log)
	svc := payout.NewService(repo, mem, wallets, led, &events.Recorder{}, nil, decimal.NewFromInt(1), log)
	ctx := context.Background()

	_, err := wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(10), "seed", "")
	require.NoError(t, err)
	m, err := svc.CreateMethod(ctx, "bob", payout.MethodPayPal, nil, true)
	require.NoError(t, err)

	req, err := svc.RequestPayout(ctx, "bob", decimal.NewFromInt(5), m.PayoutMethodID)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock_method", "create_request"}, repo.calls)

	repo.calls = nil
	err = svc.DeleteMethod(ctx, "bob", m.PayoutMethodID)
	assert.Equal(t, apperror.ErrCodeConflict, apperror.CodeOf(err))
	assert.Equal(t, []string{"lock_method", "count_open"}, repo.calls)

	_, err = svc.CancelPayout(ctx, "bob", req.PayoutRequestID, false)
	require.NoError(t, err)
	repo.calls = nil
	require.NoError(t, svc.DeleteMethod(ctx, "bob", m.PayoutMethodID))
	assert.Equal(t, []string{"lock_method", "count_open", "delete_method"}, repo.calls)
}

func TestRequestPayoutRetriesTakenReference(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(50), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")

	refs := []string{"PO-TAKEN", "PO-TAKEN", "PO-FRESH"}
	f.svc.SetReferenceGenerator(func() string {
		next := refs[0]
		refs = refs[1:]
		return next
	})

	first, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)
	assert.Equal(t, "PO-TAKEN", first.ReferenceID)

	second, err := f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)
	assert.Equal(t, "PO-FRESH", second.ReferenceID)
	assert.Empty(t, refs)

	assert.True(t, f.available(t, "bob").Equal(decimal.NewFromInt(30)))
	assert.Len(t, f.mem.Ledger().All(), 2)
}

func TestRequestPayoutGivesUpOnRepeatedCollisions(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	_, err := f.wallets.CreditSpendable(ctx, "bob", decimal.NewFromInt(50), "seed", "")
	require.NoError(t, err)
	m := f.method(t, "bob")

	f.svc.SetReferenceGenerator(func() string { return "PO-SAME" })
	_, err = f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.NoError(t, err)

	_, err = f.svc.RequestPayout(ctx, "bob", decimal.NewFromInt(10), m.PayoutMethodID)
	require.Error(t, err)
	assert.ErrorIs(t, err, payout.ErrDuplicateReference)
	assert.True(t, f.available(t, "bob").Equal(decimal.NewFromInt(40)))
	assert.Len(t, f.mem.Ledger().All(), 1)
}
