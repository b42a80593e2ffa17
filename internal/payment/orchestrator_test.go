package payment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/events"
	"payments_service/internal/gateway"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/memstore"
	"payments_service/internal/settlement"
	"payments_service/internal/wallet"
)

type fixture struct {
	mem     *memstore.Store
	wallets *wallet.Service
	catalog *commerce.Service
	gateway *gateway.StubClient
	events  *events.Recorder
	orch    *Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Discard()
	mem := memstore.New()
	rec := &events.Recorder{}

	wallets := wallet.NewService(mem.Wallets(), mem, log, nil)
	catalog := commerce.NewService(mem.Commerce(), log)
	led := ledger.NewService(mem.Ledger(), mem, wallets, catalog, rec, "", log)
	settler := settlement.NewSettler(wallets, catalog, nil, "", log)
	gw := gateway.NewStubClient("https://pay.example.com")

	mem.Users().Add("alice", "bob", "carol")

	orch := NewOrchestrator(Deps{
		Tx:        mem,
		Ledger:    led,
		Wallets:   wallets,
		Settler:   settler,
		Catalog:   catalog,
		Subjects:  mem.Registry(),
		Users:     mem.Users(),
		TipPolicy: mem.TipPolicy(),
		Gateway:   gw,
		Publisher: rec,
		Log:       log,
	}, Options{})

	return &fixture{mem: mem, wallets: wallets, catalog: catalog, gateway: gw, events: rec, orch: orch}
}

func (f *fixture) fund(t *testing.T, userID string, amount string) {
	t.Helper()
	_, err := f.wallets.CreditSpendable(context.Background(), userID, decimal.RequireFromString(amount), "seed", "")
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID string) *wallet.Wallet {
	t.Helper()
	w, err := f.wallets.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return w
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestWalletTipMovesMoney(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "10")

	res, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: dec("5")})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, ledger.StatusApproved, res.Status)
	assert.False(t, res.RedirectRequired)

	alice := f.balance(t, "alice")
	assert.True(t, alice.AvailableForPayout.Equal(dec("5")))
	assert.True(t, alice.TotalBalance.Equal(dec("5")))

	bob := f.balance(t, "bob")
	assert.True(t, bob.PendingBalance.Equal(dec("5")))
	assert.True(t, bob.TotalBalance.Equal(dec("5")))
	assert.True(t, bob.AvailableForPayout.IsZero())

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, res.TransactionID, txns[0].TransactionID)
	assert.Equal(t, ledger.StatusApproved, txns[0].Status)

	tips := f.mem.Commerce().Tips()
	require.Len(t, tips, 1)
	assert.Equal(t, res.TransactionID, tips[0].TransactionID)

	assert.Equal(t, []string{events.TypePaymentApproved}, f.events.Types())
}

func TestWalletTipInsufficientFundsRecordsDecline(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "3")

	res, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: dec("5")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrInsufficientFunds))
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonInsufficientFunds, res.ErrorReason)

	appErr := apperror.As(err)
	assert.Equal(t, res.TransactionID, appErr.Details["transaction_id"])

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.StatusDeclined, txns[0].Status)
	assert.Equal(t, ReasonInsufficientFunds, txns[0].DeclineReason)

	assert.True(t, f.balance(t, "alice").AvailableForPayout.Equal(dec("3")))
	assert.True(t, f.balance(t, "bob").TotalBalance.IsZero())
	assert.Empty(t, f.mem.Commerce().Tips())
	assert.Equal(t, []string{events.TypePaymentDeclined}, f.events.Types())
}

func TestTipValidation(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "100")

	cases := []struct {
		name string
		req  TipRequest
	}{
		{"zero amount", TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: decimal.Zero}},
		{"three decimals", TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: dec("1.005")}},
		{"self tip", TipRequest{SenderID: "alice", ReceiverID: "alice", Amount: dec("1")}},
		{"no receiver", TipRequest{SenderID: "alice", Amount: dec("1")}},
		{"bad method", TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: dec("1"), Method: "cash"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.Tip(context.Background(), tc.req)
			require.Error(t, err)
			assert.True(t, apperror.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, f.mem.Ledger().All())
}

func TestTipUnknownReceiver(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "10")

	_, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", ReceiverID: "mallory", Amount: dec("1")})
	require.Error(t, err)
	assert.True(t, apperror.IsNotFound(err))
}

func TestGatewayTipReturnsRedirect(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Tip(context.Background(), TipRequest{
		SenderID:   "alice",
		ReceiverID: "bob",
		Amount:     dec("7.50"),
		Method:     ledger.MethodCCBill,
		Context:    Context{TrackingLinkID: "trk-1"},
	})
	require.NoError(t, err)
	assert.True(t, res.RedirectRequired)
	assert.Contains(t, res.RedirectURL, "https://pay.example.com/checkout/")
	assert.Equal(t, ledger.StatusPending, res.Status)

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.StatusPending, txns[0].Status)
	require.NotNil(t, txns[0].ExternalTransactionID)
	assert.Equal(t, "trk-1", txns[0].DataString(ledger.DataTrackingLinkID))

	assert.True(t, f.balance(t, "bob").TotalBalance.IsZero())
	require.Len(t, f.gateway.Intents(), 1)
	assert.Equal(t, res.TransactionID, f.gateway.Intents()[0].TransactionID)
}

func TestGatewayUnavailableLeavesNoTransaction(t *testing.T) {
	f := newFixture(t)
	f.gateway.Err = errors.New("connection refused")

	res, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", ReceiverID: "bob", Amount: dec("5"), Method: ledger.MethodCCBill})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeGateway, apperror.CodeOf(err))
	require.NotNil(t, res)
	assert.Equal(t, ReasonGatewayError, res.ErrorReason)
	assert.Empty(t, f.mem.Ledger().All())
}

func TestSubscribeSixMonthsFromWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tier, err := f.catalog.CreateTier(ctx, "bob", "gold", dec("10"))
	require.NoError(t, err)
	f.fund(t, "alice", "100")

	before := time.Now()
	res, err := f.orch.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TierID: tier.TierID, Months: 6})
	require.NoError(t, err)
	assert.True(t, res.Success)

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, ledger.TypeSixMonthSubscription, txns[0].Type)
	assert.True(t, txns[0].Amount.Equal(dec("51.00")), "amount %s", txns[0].Amount)
	assert.Equal(t, ledger.Subject{Kind: ledger.SubjectTier, ID: tier.TierID}, txns[0].Subject())

	assert.True(t, f.balance(t, "alice").AvailableForPayout.Equal(dec("49")))
	assert.True(t, f.balance(t, "bob").PendingBalance.Equal(dec("51")))

	view, err := f.catalog.Subscription(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, commerce.SubscriptionActive, view.EffectiveStatus)
	assert.Equal(t, 6, view.Duration)
	assert.WithinDuration(t, before.AddDate(0, 6, 0), view.EndDate, time.Minute)
}

func TestSubscribeExtendsRunningSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tier, err := f.catalog.CreateTier(ctx, "bob", "silver", dec("5"))
	require.NoError(t, err)
	f.fund(t, "alice", "100")

	_, err = f.orch.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TierID: tier.TierID, Months: 1})
	require.NoError(t, err)
	first, err := f.catalog.Subscription(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.orch.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TierID: tier.TierID, Months: 3})
	require.NoError(t, err)
	second, err := f.catalog.Subscription(ctx, "alice", "bob")
	require.NoError(t, err)

	assert.Equal(t, first.SubscriptionID, second.SubscriptionID)
	assert.WithinDuration(t, first.EndDate.AddDate(0, 3, 0), second.EndDate, time.Second)
}

func TestSubscribeRejectsUnsupportedDuration(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Subscribe(context.Background(), SubscribeRequest{SubscriberID: "alice", TierID: "t", Months: 2})
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestGatewaySubscriptionAsksForRecurringBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tier, err := f.catalog.CreateTier(ctx, "bob", "gold", dec("10"))
	require.NoError(t, err)

	_, err = f.orch.Subscribe(ctx, SubscribeRequest{SubscriberID: "alice", TierID: tier.TierID, Months: 3, Method: ledger.MethodCCBill})
	require.NoError(t, err)

	intents := f.gateway.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, 90, intents[0].RecurringDays)
	assert.True(t, intents[0].Amount.Equal(dec("27")))
}

func TestPurchaseUsesOwnerPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	post := ledger.Subject{Kind: ledger.SubjectPost, ID: "post-1"}
	f.mem.AddItem(post, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(dec("4.99")), Rule: content.RulePurchase})
	f.fund(t, "alice", "20")

	res, err := f.orch.Purchase(ctx, PurchaseRequest{UserID: "alice", Subject: post})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, f.balance(t, "alice").AvailableForPayout.Equal(dec("15.01")))

	purchases := f.mem.Commerce().Purchases()
	require.Len(t, purchases, 1)
	assert.Equal(t, post.ID, purchases[0].PurchasableID)

	_, err = f.orch.Purchase(ctx, PurchaseRequest{UserID: "alice", Subject: post})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeConflict, apperror.CodeOf(err))
}

func TestPurchaseOwnItemIsConflict(t *testing.T) {
	f := newFixture(t)
	media := ledger.Subject{Kind: ledger.SubjectMedia, ID: "m-1"}
	f.mem.AddItem(media, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(dec("2"))})

	_, err := f.orch.Purchase(context.Background(), PurchaseRequest{UserID: "bob", Subject: media})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeConflict, apperror.CodeOf(err))
}

func TestPurchaseFreeItemIsRejected(t *testing.T) {
	f := newFixture(t)
	post := ledger.Subject{Kind: ledger.SubjectPost, ID: "free"}
	f.mem.AddItem(post, content.Item{Owner: "bob", Rule: content.RuleFree})

	_, err := f.orch.Purchase(context.Background(), PurchaseRequest{UserID: "alice", Subject: post})
	require.Error(t, err)
	assert.True(t, apperror.IsValidation(err))
}

func TestPurchaseMessageUsesMessageType(t *testing.T) {
	f := newFixture(t)
	msg := ledger.Subject{Kind: ledger.SubjectMessage, ID: "msg-1"}
	f.mem.AddItem(msg, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(dec("3"))})
	f.fund(t, "alice", "3")

	res, err := f.orch.PurchaseMessage(context.Background(), "alice", "msg-1", "", Context{})
	require.NoError(t, err)

	txns := f.mem.Ledger().All()
	require.Len(t, txns, 1)
	assert.Equal(t, res.TransactionID, txns[0].TransactionID)
	assert.Equal(t, ledger.TypeMessagePurchase, txns[0].Type)
}

func TestFailedSettlementRollsBackEverything(t *testing.T) {
	f := newFixture(t)
	post := ledger.Subject{Kind: ledger.SubjectPost, ID: "post-2"}
	f.mem.AddItem(post, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(dec("5"))})
	f.fund(t, "alice", "10")

	f.mem.Inject("commerce.CreatePurchase", errors.New("disk full"))
	defer f.mem.Clear()

	_, err := f.orch.Purchase(context.Background(), PurchaseRequest{UserID: "alice", Subject: post})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeStorage, apperror.CodeOf(err))

	assert.Empty(t, f.mem.Ledger().All())
	assert.Empty(t, f.mem.Commerce().Purchases())
	assert.True(t, f.balance(t, "alice").AvailableForPayout.Equal(dec("10")))
	assert.True(t, f.balance(t, "bob").TotalBalance.IsZero())
	assert.Empty(t, f.events.Types())
}

func TestAuthorizeMessageWithoutRequirement(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.AuthorizeMessage(context.Background(), MessageRequest{SenderID: "alice", ReceiverID: "bob"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.TransactionID)
	assert.Empty(t, f.mem.Ledger().All())
}

func TestAuthorizeMessageBelowMinimumTip(t *testing.T) {
	f := newFixture(t)
	f.mem.TipPolicy().Require("bob", dec("2"))
	f.fund(t, "alice", "10")

	_, err := f.orch.AuthorizeMessage(context.Background(), MessageRequest{SenderID: "alice", ReceiverID: "bob", Tip: dec("1")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrTipRequired))
	assert.Equal(t, "2.00", apperror.As(err).Details["minimum_tip"])
	assert.Empty(t, f.mem.Ledger().All())
}

func TestAuthorizeMessageChargesTip(t *testing.T) {
	f := newFixture(t)
	f.mem.TipPolicy().Require("bob", dec("2"))
	f.fund(t, "alice", "10")

	res, err := f.orch.AuthorizeMessage(context.Background(), MessageRequest{SenderID: "alice", ReceiverID: "bob", MessageID: "msg-9", Tip: dec("2")})
	require.NoError(t, err)
	assert.True(t, res.Success)

	tips := f.mem.Commerce().Tips()
	require.Len(t, tips, 1)
	assert.Equal(t, ledger.SubjectMessage, tips[0].TippableType)
	assert.Equal(t, "msg-9", tips[0].TippableID)
	assert.Equal(t, "bob", tips[0].ReceiverID)
}

func TestTipForSubjectMustGoToOwner(t *testing.T) {
	f := newFixture(t)
	msg := ledger.Subject{Kind: ledger.SubjectMessage, ID: "m1"}
	f.mem.AddItem(msg, content.Item{Owner: "bob", Rule: content.RuleTip})
	f.fund(t, "alice", "1")

	_, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", ReceiverID: "carol", Amount: dec("0.01"), Subject: msg})
	require.Error(t, err)
	assert.Equal(t, apperror.ErrCodeValidation, apperror.CodeOf(err))
	assert.Contains(t, apperror.As(err).Fields, "receiver_id")
	assert.Empty(t, f.mem.Ledger().All())
	assert.True(t, f.balance(t, "carol").TotalBalance.IsZero())

	res, err := f.orch.Tip(context.Background(), TipRequest{SenderID: "alice", Amount: dec("0.01"), Subject: msg})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, f.balance(t, "bob").PendingBalance.Equal(dec("0.01")))
}

func TestTipForUnknownSubjectIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "alice", "1")

	_, err := f.orch.Tip(context.Background(), TipRequest{
		SenderID: "alice", ReceiverID: "bob", Amount: dec("1"),
		Subject: ledger.Subject{Kind: ledger.SubjectPost, ID: "gone"},
	})
	assert.True(t, apperror.IsNotFound(err))
	assert.Empty(t, f.mem.Ledger().All())
}

func TestConcurrentPurchasesChargeOnce(t *testing.T) {
	f := newFixture(t)
	post := ledger.Subject{Kind: ledger.SubjectPost, ID: "hot"}
	f.mem.AddItem(post, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(dec("3")), Rule: content.RulePurchase})
	f.fund(t, "alice", "30")

	const buyers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		conflicts int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Purchase(context.Background(), PurchaseRequest{UserID: "alice", Subject: post})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperror.CodeOf(err) == apperror.ErrCodeConflict:
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, buyers-1, conflicts)
	assert.Len(t, f.mem.Commerce().Purchases(), 1)
	assert.True(t, f.balance(t, "alice").AvailableForPayout.Equal(dec("27")))
	assert.True(t, f.balance(t, "bob").PendingBalance.Equal(dec("3")))
}
