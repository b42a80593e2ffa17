package entitlement

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"payments_service/internal/apperror"
	"payments_service/internal/commerce"
	"payments_service/internal/content"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
)

type Subjects interface {
	Lookup(ctx context.Context, s ledger.Subject) (*content.Item, error)
}

// Lockable is implemented by content items that carry an unlocked flag
// for serialization.
type Lockable interface {
	Subject() ledger.Subject
	SetUnlocked(bool)
}

// Gate answers whether a viewer may see a piece of content. It only reads;
// it never starts a payment.
type Gate struct {
	store    Store
	subjects Subjects
	log      *logrus.Logger
	now      func() time.Time
}

func NewGate(store Store, subjects Subjects, log *logrus.Logger) *Gate {
	return &Gate{store: store, subjects: subjects, log: logger.OrDefault(log), now: time.Now}
}

func (g *Gate) HasAccess(ctx context.Context, viewerID string, subject ledger.Subject) (bool, error) {
	if viewerID == "" {
		return false, nil
	}
	item, err := g.subjects.Lookup(ctx, subject)
	if err != nil {
		return false, err
	}
	if item.Owner == viewerID {
		return true, nil
	}

	rule := item.Rule
	if subject.Kind == ledger.SubjectTier {
		rule = content.RuleSubscribers
	}

	var ok bool
	switch rule {
	case content.RuleFree, "":
		ok = true
	case content.RulePurchase:
		ok, err = g.store.HasPurchase(ctx, viewerID, subject)
	case content.RuleSubscribers:
		ok, err = g.subscribed(ctx, viewerID, item.Owner)
	case content.RuleTip:
		ok, err = g.store.HasTip(ctx, viewerID, item.Owner, subject)
	default:
		g.log.WithFields(logrus.Fields{"subject": subject.String(), "rule": rule}).Warn("unknown access rule")
	}
	if err != nil {
		return false, apperror.Storage(err)
	}
	return ok, nil
}

func (g *Gate) subscribed(ctx context.Context, subscriberID, creatorID string) (bool, error) {
	sub, err := g.store.Subscription(ctx, subscriberID, creatorID)
	if err != nil || sub == nil {
		return false, err
	}
	return sub.EffectiveStatus(g.now()) == commerce.SubscriptionActive, nil
}

// Annotate sets the unlocked flag on every item. Items whose subject cannot
// be resolved stay locked.
func (g *Gate) Annotate(ctx context.Context, viewerID string, items []Lockable) error {
	for _, it := range items {
		ok, err := g.HasAccess(ctx, viewerID, it.Subject())
		if err != nil {
			if apperror.IsNotFound(err) {
				it.SetUnlocked(false)
				continue
			}
			return err
		}
		it.SetUnlocked(ok)
	}
	return nil
}
