package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
	"payments_service/internal/payout"
	"payments_service/internal/wallet"
)

type WalletRepository struct{ s *Store }

func (r *WalletRepository) GetByUser(ctx context.Context, userID string) (*wallet.Wallet, error) {
	defer r.s.lock(ctx)()
	if err := r.s.fault("wallet.GetByUser"); err != nil {
		return nil, err
	}
	w, ok := r.s.data.wallets[userID]
	if !ok {
		return nil, wallet.ErrWalletNotFound
	}
	return &w, nil
}

func (r *WalletRepository) GetOrCreateForUpdate(ctx context.Context, userID string) (*wallet.Wallet, error) {
	defer r.s.lock(ctx)()
	if err := r.s.fault("wallet.GetOrCreateForUpdate"); err != nil {
		return nil, err
	}
	w, ok := r.s.data.wallets[userID]
	if !ok {
		now := time.Now()
		w = wallet.Wallet{
			WalletID:  uuid.New().String(),
			UserID:    userID,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		r.s.data.wallets[userID] = w
	}
	return &w, nil
}

func (r *WalletRepository) Update(ctx context.Context, w *wallet.Wallet) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("wallet.Update"); err != nil {
		return err
	}
	stored, ok := r.s.data.wallets[w.UserID]
	if !ok || stored.Version != w.Version {
		return wallet.ErrOptimisticLock
	}
	w.Version++
	w.UpdatedAt = time.Now()
	r.s.data.wallets[w.UserID] = *w
	return nil
}

func (r *WalletRepository) AppendHistory(ctx context.Context, entries []wallet.History) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("wallet.AppendHistory"); err != nil {
		return err
	}
	for _, e := range entries {
		if e.HistoryID == "" {
			e.HistoryID = uuid.New().String()
		}
		r.s.data.history = append(r.s.data.history, e)
	}
	return nil
}

func (r *WalletRepository) ListHistory(ctx context.Context, userID string, limit, offset int) ([]wallet.History, error) {
	defer r.s.lock(ctx)()
	var rows []wallet.History
	for i := len(r.s.data.history) - 1; i >= 0; i-- {
		if h := r.s.data.history[i]; h.UserID == userID {
			rows = append(rows, h)
		}
	}
	return page(rows, limit, offset), nil
}

type LedgerRepository struct{ s *Store }

func (r *LedgerRepository) Create(ctx context.Context, t *ledger.Transaction) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("ledger.Create"); err != nil {
		return err
	}
	if t.TransactionID == "" {
		t.TransactionID = uuid.New().String()
	}
	if _, ok := r.s.data.txns[t.TransactionID]; ok {
		return fmt.Errorf("transaction %s already exists", t.TransactionID)
	}
	if t.ExternalTransactionID != nil {
		if _, ok := r.s.data.external[*t.ExternalTransactionID]; ok {
			return ledger.ErrDuplicateExternalID
		}
		r.s.data.external[*t.ExternalTransactionID] = t.TransactionID
	}
	r.s.data.txns[t.TransactionID] = *t.Clone()
	r.s.data.txnOrder = append(r.s.data.txnOrder, t.TransactionID)
	return nil
}

func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*ledger.Transaction, error) {
	defer r.s.lock(ctx)()
	t, ok := r.s.data.txns[id]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	return t.Clone(), nil
}

func (r *LedgerRepository) GetForUpdate(ctx context.Context, id string) (*ledger.Transaction, error) {
	return r.GetByID(ctx, id)
}

func (r *LedgerRepository) GetByExternalID(ctx context.Context, externalID string) (*ledger.Transaction, error) {
	defer r.s.lock(ctx)()
	id, ok := r.s.data.external[externalID]
	if !ok {
		return nil, ledger.ErrTransactionNotFound
	}
	t := r.s.data.txns[id]
	return t.Clone(), nil
}

func (r *LedgerRepository) GetByExternalIDForUpdate(ctx context.Context, externalID string) (*ledger.Transaction, error) {
	return r.GetByExternalID(ctx, externalID)
}

func (r *LedgerRepository) UpdateStatus(ctx context.Context, t *ledger.Transaction, from ledger.Status) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("ledger.UpdateStatus"); err != nil {
		return err
	}
	stored, ok := r.s.data.txns[t.TransactionID]
	if !ok || stored.Status != from {
		return ledger.ErrStatusChanged
	}
	stored.Status = t.Status
	stored.DeclineReason = t.DeclineReason
	stored.ApprovedAt = t.ApprovedAt
	stored.RefundedAt = t.RefundedAt
	stored.ExternalSubscriptionID = t.ExternalSubscriptionID
	stored.AdditionalData = t.Clone().AdditionalData
	stored.UpdatedAt = t.UpdatedAt
	r.s.data.txns[t.TransactionID] = stored
	return nil
}

func (r *LedgerRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]ledger.Transaction, error) {
	defer r.s.lock(ctx)()
	var rows []ledger.Transaction
	for i := len(r.s.data.txnOrder) - 1; i >= 0; i-- {
		t := r.s.data.txns[r.s.data.txnOrder[i]]
		if t.Sender() == userID || t.Receiver() == userID {
			rows = append(rows, *t.Clone())
		}
	}
	return page(rows, limit, offset), nil
}

// All returns every stored transaction in insertion order.
func (r *LedgerRepository) All() []ledger.Transaction {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]ledger.Transaction, 0, len(r.s.data.txnOrder))
	for _, id := range r.s.data.txnOrder {
		t := r.s.data.txns[id]
		out = append(out, *t.Clone())
	}
	return out
}

type CommerceRepository struct{ s *Store }

func subKey(subscriberID, creatorID string) string {
	return subscriberID + "|" + creatorID
}

func (r *CommerceRepository) GetTier(ctx context.Context, id string) (*commerce.Tier, error) {
	defer r.s.lock(ctx)()
	t, ok := r.s.data.tiers[id]
	if !ok {
		return nil, commerce.ErrTierNotFound
	}
	return &t, nil
}

func (r *CommerceRepository) CreateTier(ctx context.Context, t *commerce.Tier) error {
	defer r.s.lock(ctx)()
	if t.TierID == "" {
		t.TierID = uuid.New().String()
	}
	r.s.data.tiers[t.TierID] = *t
	return nil
}

func (r *CommerceRepository) CreateTip(ctx context.Context, t *commerce.Tip) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("commerce.CreateTip"); err != nil {
		return err
	}
	r.s.data.tips = append(r.s.data.tips, *t)
	return nil
}

func (r *CommerceRepository) CreatePurchase(ctx context.Context, p *commerce.Purchase) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("commerce.CreatePurchase"); err != nil {
		return err
	}
	r.s.data.purchases = append(r.s.data.purchases, *p)
	return nil
}

func (r *CommerceRepository) FindActivePurchase(ctx context.Context, userID string, subject ledger.Subject) (*commerce.Purchase, error) {
	defer r.s.lock(ctx)()
	for _, p := range r.s.data.purchases {
		if p.UserID == userID && p.PurchasableType == subject.Kind && p.PurchasableID == subject.ID && p.RevokedAt == nil {
			return &p, nil
		}
	}
	return nil, commerce.ErrPurchaseNotFound
}

func (r *CommerceRepository) RevokePurchases(ctx context.Context, transactionID string, at time.Time) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for i := range r.s.data.purchases {
		p := &r.s.data.purchases[i]
		if p.TransactionID == transactionID && p.RevokedAt == nil {
			revoked := at
			p.RevokedAt = &revoked
			n++
		}
	}
	return n, nil
}

func (r *CommerceRepository) GetSubscription(ctx context.Context, subscriberID, creatorID string) (*commerce.Subscription, error) {
	defer r.s.lock(ctx)()
	sub, ok := r.s.data.subs[subKey(subscriberID, creatorID)]
	if !ok {
		return nil, commerce.ErrSubscriptionNotFound
	}
	return &sub, nil
}

func (r *CommerceRepository) GetSubscriptionForUpdate(ctx context.Context, subscriberID, creatorID string) (*commerce.Subscription, error) {
	return r.GetSubscription(ctx, subscriberID, creatorID)
}

func (r *CommerceRepository) GetSubscriptionByExternalIDForUpdate(ctx context.Context, externalID string) (*commerce.Subscription, error) {
	defer r.s.lock(ctx)()
	for _, sub := range r.s.data.subs {
		if sub.ExternalSubscriptionID != nil && *sub.ExternalSubscriptionID == externalID {
			return &sub, nil
		}
	}
	return nil, commerce.ErrSubscriptionNotFound
}

func (r *CommerceRepository) SaveSubscription(ctx context.Context, sub *commerce.Subscription) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("commerce.SaveSubscription"); err != nil {
		return err
	}
	r.s.data.subs[subKey(sub.SubscriberID, sub.CreatorID)] = *sub
	return nil
}

func (r *CommerceRepository) ListSubscriptions(ctx context.Context, subscriberID string) ([]commerce.Subscription, error) {
	defer r.s.lock(ctx)()
	var rows []commerce.Subscription
	for _, sub := range r.s.data.subs {
		if sub.SubscriberID == subscriberID {
			rows = append(rows, sub)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].EndDate.After(rows[j].EndDate) })
	return rows, nil
}

// Tips and Purchases expose the stored rows for assertions.
func (r *CommerceRepository) Tips() []commerce.Tip {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]commerce.Tip(nil), r.s.data.tips...)
}

func (r *CommerceRepository) Purchases() []commerce.Purchase {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]commerce.Purchase(nil), r.s.data.purchases...)
}

type PayoutRepository struct{ s *Store }

func (r *PayoutRepository) CreateMethod(ctx context.Context, m *payout.Method) error {
	defer r.s.lock(ctx)()
	cp := *m
	cp.Details = cloneJSON(m.Details)
	r.s.data.methods[m.PayoutMethodID] = cp
	return nil
}

// GetMethodForUpdate takes no row lock; the store lock already serialises
// transactions.
func (r *PayoutRepository) GetMethodForUpdate(ctx context.Context, id string) (*payout.Method, error) {
	defer r.s.lock(ctx)()
	m, ok := r.s.data.methods[id]
	if !ok {
		return nil, payout.ErrMethodNotFound
	}
	m.Details = cloneJSON(m.Details)
	return &m, nil
}

func (r *PayoutRepository) DeleteMethod(ctx context.Context, id string) error {
	defer r.s.lock(ctx)()
	if _, ok := r.s.data.methods[id]; !ok {
		return payout.ErrMethodNotFound
	}
	delete(r.s.data.methods, id)
	return nil
}

func (r *PayoutRepository) CountOpenRequests(ctx context.Context, methodID string) (int64, error) {
	defer r.s.lock(ctx)()
	var n int64
	for _, req := range r.s.data.requests {
		if req.PayoutMethodID == methodID && (req.Status == payout.StatusPending || req.Status == payout.StatusProcessing) {
			n++
		}
	}
	return n, nil
}

func (r *PayoutRepository) CreateRequest(ctx context.Context, req *payout.Request) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("payout.CreateRequest"); err != nil {
		return err
	}
	for _, existing := range r.s.data.requests {
		if existing.ReferenceID == req.ReferenceID {
			return payout.ErrDuplicateReference
		}
	}
	r.s.data.requests[req.PayoutRequestID] = *req
	return nil
}

func (r *PayoutRepository) GetRequestForUpdate(ctx context.Context, id string) (*payout.Request, error) {
	defer r.s.lock(ctx)()
	req, ok := r.s.data.requests[id]
	if !ok {
		return nil, payout.ErrRequestNotFound
	}
	return &req, nil
}

func (r *PayoutRepository) SaveRequest(ctx context.Context, req *payout.Request) error {
	defer r.s.lock(ctx)()
	if err := r.s.fault("payout.SaveRequest"); err != nil {
		return err
	}
	r.s.data.requests[req.PayoutRequestID] = *req
	return nil
}

func (r *PayoutRepository) ListRequests(ctx context.Context, userID string, limit, offset int) ([]payout.Request, error) {
	defer r.s.lock(ctx)()
	var rows []payout.Request
	for _, req := range r.s.data.requests {
		if userID == "" || req.UserID == userID {
			rows = append(rows, req)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return page(rows, limit, offset), nil
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}
