package memstore

import (
	"context"

	"github.com/shopspring/decimal"

	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/ledger"
)

type Directory struct{ s *Store }

func (d *Directory) Add(userIDs ...string) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, id := range userIDs {
		d.s.data.users[id] = struct{}{}
	}
}

func (d *Directory) Exists(ctx context.Context, userID string) (bool, error) {
	defer d.s.lock(ctx)()
	if err := d.s.fault("users.Exists"); err != nil {
		return false, err
	}
	_, ok := d.s.data.users[userID]
	return ok, nil
}

type TipPolicy struct{ s *Store }

// Require makes receiverID demand at least minimum with every message.
func (p *TipPolicy) Require(receiverID string, minimum decimal.Decimal) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.s.data.tipRules[receiverID] = minimum
}

func (p *TipPolicy) RequiredTip(ctx context.Context, _, receiverID string) (decimal.Decimal, bool, error) {
	defer p.s.lock(ctx)()
	minimum, ok := p.s.data.tipRules[receiverID]
	return minimum, ok, nil
}

// AddItem registers a piece of content owned by a collaborator.
func (s *Store) AddItem(subject ledger.Subject, item content.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.items[subject] = item
}

func (s *Store) itemAccessor(kind ledger.SubjectKind) content.Accessor {
	return content.AccessorFunc(func(ctx context.Context, id string) (*content.Item, error) {
		defer s.lock(ctx)()
		item, ok := s.data.items[ledger.Subject{Kind: kind, ID: id}]
		if !ok {
			return nil, content.ErrItemNotFound
		}
		return &item, nil
	})
}

// Registry resolves posts, media and messages from AddItem and tiers from
// the commerce tables.
func (s *Store) Registry() *content.Registry {
	reg := content.NewRegistry()
	for _, kind := range []ledger.SubjectKind{ledger.SubjectPost, ledger.SubjectMedia, ledger.SubjectMessage} {
		reg.Register(kind, s.itemAccessor(kind))
	}
	reg.Register(ledger.SubjectTier, content.NewTierAccessor(s.Commerce()))
	return reg
}

type EntitlementStore struct{ s *Store }

func (e *EntitlementStore) approved(id string) bool {
	t, ok := e.s.data.txns[id]
	return ok && t.Status == ledger.StatusApproved
}

func (e *EntitlementStore) HasPurchase(ctx context.Context, userID string, subject ledger.Subject) (bool, error) {
	defer e.s.lock(ctx)()
	for _, p := range e.s.data.purchases {
		if p.UserID == userID && p.PurchasableType == subject.Kind && p.PurchasableID == subject.ID &&
			p.RevokedAt == nil && e.approved(p.TransactionID) {
			return true, nil
		}
	}
	return false, nil
}

func (e *EntitlementStore) HasTip(ctx context.Context, userID, ownerID string, subject ledger.Subject) (bool, error) {
	defer e.s.lock(ctx)()
	for _, t := range e.s.data.tips {
		if t.SenderID == userID && t.ReceiverID == ownerID && t.TippableType == subject.Kind && t.TippableID == subject.ID && e.approved(t.TransactionID) {
			return true, nil
		}
	}
	return false, nil
}

func (e *EntitlementStore) Subscription(ctx context.Context, subscriberID, creatorID string) (*commerce.Subscription, error) {
	defer e.s.lock(ctx)()
	sub, ok := e.s.data.subs[subKey(subscriberID, creatorID)]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}
