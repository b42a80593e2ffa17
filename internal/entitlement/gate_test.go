package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/memstore"
)

type gateFixture struct {
	mem     *memstore.Store
	catalog *commerce.Service
	gate    *Gate
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	mem := memstore.New()
	return &gateFixture{
		mem:     mem,
		catalog: commerce.NewService(mem.Commerce(), logger.Discard()),
		gate:    NewGate(mem.Entitlements(), mem.Registry(), logger.Discard()),
	}
}

// approve stores an approved transaction and lets commerce write its proof.
func (f *gateFixture) approve(t *testing.T, typ ledger.Type, subject ledger.Subject, sender, receiver string) *ledger.Transaction {
	t.Helper()
	txn := &ledger.Transaction{
		TransactionID: "txn-" + string(typ) + "-" + subject.ID + "-" + receiver,
		SenderID:      ledger.StringPtr(sender),
		ReceiverID:    ledger.StringPtr(receiver),
		Amount:        decimal.NewFromInt(5),
		Type:          typ,
		Status:        ledger.StatusApproved,
		PaymentMethod: ledger.MethodWallet,
	}
	txn.SetSubject(subject)
	ctx := context.Background()
	require.NoError(t, f.mem.Ledger().Create(ctx, txn))
	switch {
	case typ == ledger.TypeTip:
		require.NoError(t, f.catalog.RecordTip(ctx, txn))
	case typ.IsPurchase():
		require.NoError(t, f.catalog.RecordPurchase(ctx, txn))
	case typ.IsSubscription():
		_, err := f.catalog.ActivateSubscription(ctx, txn)
		require.NoError(t, err)
	}
	return txn
}

func TestGateRules(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()

	free := ledger.Subject{Kind: ledger.SubjectPost, ID: "free"}
	paid := ledger.Subject{Kind: ledger.SubjectPost, ID: "paid"}
	fans := ledger.Subject{Kind: ledger.SubjectMedia, ID: "fans"}
	tipped := ledger.Subject{Kind: ledger.SubjectMessage, ID: "tipped"}
	f.mem.AddItem(free, content.Item{Owner: "bob", Rule: content.RuleFree})
	f.mem.AddItem(paid, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(decimal.NewFromInt(5)), Rule: content.RulePurchase})
	f.mem.AddItem(fans, content.Item{Owner: "bob", Rule: content.RuleSubscribers})
	f.mem.AddItem(tipped, content.Item{Owner: "bob", Rule: content.RuleTip})

	cases := []struct {
		name    string
		viewer  string
		subject ledger.Subject
		want    bool
	}{
		{"anonymous on free", "", free, false},
		{"free", "alice", free, true},
		{"owner", "bob", paid, true},
		{"unpaid", "alice", paid, false},
		{"not subscribed", "alice", fans, false},
		{"no tip", "alice", tipped, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := f.gate.HasAccess(ctx, tc.viewer, tc.subject)
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}

	f.approve(t, ledger.TypeOneTimePurchase, paid, "alice", "bob")
	f.approve(t, ledger.TypeTip, tipped, "alice", "bob")
	f.approve(t, ledger.TypeOneMonthSubscription, ledger.Subject{Kind: ledger.SubjectTier, ID: "tier-1"}, "alice", "bob")

	for _, s := range []ledger.Subject{paid, fans, tipped} {
		ok, err := f.gate.HasAccess(ctx, "alice", s)
		require.NoError(t, err)
		assert.True(t, ok, s.String())
	}
	ok, err := f.gate.HasAccess(ctx, "carol", paid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateIgnoresRevokedPurchase(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	paid := ledger.Subject{Kind: ledger.SubjectPost, ID: "p"}
	f.mem.AddItem(paid, content.Item{Owner: "bob", Price: decimal.NewNullDecimal(decimal.NewFromInt(5)), Rule: content.RulePurchase})

	txn := f.approve(t, ledger.TypeOneTimePurchase, paid, "alice", "bob")
	_, err := f.mem.Commerce().RevokePurchases(ctx, txn.TransactionID, time.Now())
	require.NoError(t, err)

	ok, err := f.gate.HasAccess(ctx, "alice", paid)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateTierRequiresActiveSubscription(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tier, err := f.catalog.CreateTier(ctx, "bob", "gold", decimal.NewFromInt(10))
	require.NoError(t, err)
	subject := ledger.Subject{Kind: ledger.SubjectTier, ID: tier.TierID}

	ok, err := f.gate.HasAccess(ctx, "alice", subject)
	require.NoError(t, err)
	assert.False(t, ok)

	f.approve(t, ledger.TypeOneMonthSubscription, subject, "alice", "bob")
	ok, err = f.gate.HasAccess(ctx, "alice", subject)
	require.NoError(t, err)
	assert.True(t, ok)

	f.gate.now = func() time.Time { return time.Now().AddDate(0, 2, 0) }
	ok, err = f.gate.HasAccess(ctx, "alice", subject)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGateTipMustBePaidToOwner(t *testing.T) {
	f := newGateFixture(t)
	ctx := context.Background()
	tipped := ledger.Subject{Kind: ledger.SubjectMessage, ID: "m1"}
	f.mem.AddItem(tipped, content.Item{Owner: "bob", Rule: content.RuleTip})

	f.approve(t, ledger.TypeTip, tipped, "alice", "carol")
	ok, err := f.gate.HasAccess(ctx, "alice", tipped)
	require.NoError(t, err)
	assert.False(t, ok)

	f.approve(t, ledger.TypeTip, tipped, "alice", "bob")
	ok, err = f.gate.HasAccess(ctx, "alice", tipped)
	require.NoError(t, err)
	assert.True(t, ok)
}

type post struct {
	id       string
	unlocked bool
}

func (p *post) Subject() ledger.Subject { return ledger.Subject{Kind: ledger.SubjectPost, ID: p.id} }
func (p *post) SetUnlocked(v bool)      { p.unlocked = v }

func TestAnnotate(t *testing.T) {
	f := newGateFixture(t)
	f.mem.AddItem(ledger.Subject{Kind: ledger.SubjectPost, ID: "open"}, content.Item{Owner: "bob", Rule: content.RuleFree})

	open := &post{id: "open"}
	gone := &post{id: "deleted", unlocked: true}
	require.NoError(t, f.gate.Annotate(context.Background(), "alice", []Lockable{open, gone}))

	assert.True(t, open.unlocked)
	assert.False(t, gone.unlocked)
}
