// Package memstore is an in-process implementation of every repository the
// service uses. It backs STORAGE_DRIVER=memory and the scenario tests.
// Transactions are serialized by one mutex and rolled back by restoring a
// snapshot of all tables.
package memstore

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/ledger"
	"payments_service/internal/payout"
	"payments_service/internal/store"
	"payments_service/internal/wallet"
)

type tables struct {
	wallets   map[string]wallet.Wallet
	history   []wallet.History
	txns      map[string]ledger.Transaction
	txnOrder  []string
	external  map[string]string
	tiers     map[string]commerce.Tier
	tips      []commerce.Tip
	purchases []commerce.Purchase
	subs      map[string]commerce.Subscription
	methods   map[string]payout.Method
	requests  map[string]payout.Request
	users     map[string]struct{}
	items     map[ledger.Subject]content.Item
	tipRules  map[string]decimal.Decimal
}

func newTables() *tables {
	return &tables{
		wallets:  make(map[string]wallet.Wallet),
		txns:     make(map[string]ledger.Transaction),
		external: make(map[string]string),
		tiers:    make(map[string]commerce.Tier),
		subs:     make(map[string]commerce.Subscription),
		methods:  make(map[string]payout.Method),
		requests: make(map[string]payout.Request),
		users:    make(map[string]struct{}),
		items:    make(map[ledger.Subject]content.Item),
		tipRules: make(map[string]decimal.Decimal),
	}
}

func (t *tables) clone() *tables {
	cp := newTables()
	for k, v := range t.wallets {
		cp.wallets[k] = v
	}
	cp.history = append([]wallet.History(nil), t.history...)
	for k, v := range t.txns {
		cp.txns[k] = *v.Clone()
	}
	cp.txnOrder = append([]string(nil), t.txnOrder...)
	for k, v := range t.external {
		cp.external[k] = v
	}
	for k, v := range t.tiers {
		cp.tiers[k] = v
	}
	cp.tips = append([]commerce.Tip(nil), t.tips...)
	cp.purchases = append([]commerce.Purchase(nil), t.purchases...)
	for k, v := range t.subs {
		cp.subs[k] = v
	}
	for k, v := range t.methods {
		v.Details = cloneJSON(v.Details)
		cp.methods[k] = v
	}
	for k, v := range t.requests {
		cp.requests[k] = v
	}
	for k := range t.users {
		cp.users[k] = struct{}{}
	}
	for k, v := range t.items {
		cp.items[k] = v
	}
	for k, v := range t.tipRules {
		cp.tipRules[k] = v
	}
	return cp
}

func cloneJSON(m datatypes.JSONMap) datatypes.JSONMap {
	if m == nil {
		return nil
	}
	cp := make(datatypes.JSONMap, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

type Store struct {
	mu     sync.Mutex
	data   *tables
	faults sync.Map
}

func New() *Store {
	return &Store{data: newTables()}
}

type txMarker struct{}

func inTx(ctx context.Context) bool {
	return ctx.Value(txMarker{}) != nil
}

// WithinTx runs fn with exclusive access to the store. Any error restores
// the state from before fn started.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.data.clone()
	if err := fn(context.WithValue(ctx, txMarker{}, true)); err != nil {
		s.data = snapshot
		return store.Classify(err)
	}
	return nil
}

// lock guards a single repository call made outside WithinTx.
func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Inject makes every later call of op fail with err until Clear is called.
// Operation names are "<repository>.<Method>", e.g. "commerce.CreatePurchase".
func (s *Store) Inject(op string, err error) {
	s.faults.Store(op, err)
}

func (s *Store) Clear() {
	s.faults.Range(func(k, _ any) bool {
		s.faults.Delete(k)
		return true
	})
}

func (s *Store) fault(op string) error {
	if v, ok := s.faults.Load(op); ok {
		return v.(error)
	}
	return nil
}

func (s *Store) Wallets() *WalletRepository { return &WalletRepository{s} }
func (s *Store) Ledger() *LedgerRepository { return &LedgerRepository{s} }
func (s *Store) Commerce() *CommerceRepository { return &CommerceRepository{s} }
func (s *Store) Payouts() *PayoutRepository { return &PayoutRepository{s} }
func (s *Store) Entitlements() *EntitlementStore { return &EntitlementStore{s} }
func (s *Store) Users() *Directory { return &Directory{s} }
func (s *Store) TipPolicy() *TipPolicy { return &TipPolicy{s} }

var (
	_ store.TxRunner      = (*Store)(nil)
	_ wallet.Repository   = (*WalletRepository)(nil)
	_ ledger.Repository   = (*LedgerRepository)(nil)
	_ commerce.Repository = (*CommerceRepository)(nil)
	_ payout.Repository   = (*PayoutRepository)(nil)
)
