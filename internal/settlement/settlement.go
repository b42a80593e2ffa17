package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"payments_service/internal/commerce"
	"payments_service/internal/ledger"
	"payments_service/internal/logger"
	"payments_service/internal/wallet"
)

// FeePolicy decides the platform's share of a transaction.
type FeePolicy interface {
	Name() string
	Fee(t *ledger.Transaction) decimal.Decimal
}

// PercentageFee takes a fixed percentage of every transaction, rounded down
// to the cent so the creator is never short-changed by rounding.
type PercentageFee struct {
	Percent decimal.Decimal
}

func (p PercentageFee) Name() string { return "percentage:" + p.Percent.String() }

func (p PercentageFee) Fee(t *ledger.Transaction) decimal.Decimal {
	if !p.Percent.IsPositive() {
		return decimal.Zero
	}
	return t.Amount.Mul(p.Percent).Div(decimal.NewFromInt(100)).RoundFloor(2)
}

type NoFee struct{}

func (NoFee) Name() string { return "none" }
func (NoFee) Fee(*ledger.Transaction) decimal.Decimal { return decimal.Zero }

type Wallets interface {
	CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal, reason, transactionID string) (*wallet.Wallet, error)
}

type Records interface {
	RecordTip(ctx context.Context, t *ledger.Transaction) error
	RecordPurchase(ctx context.Context, t *ledger.Transaction) error
	ActivateSubscription(ctx context.Context, t *ledger.Transaction) (*commerce.Subscription, error)
}

// Settler applies the economic effect of an approved transaction. The
// wallet path and the webhook path both call Settle inside the same
// database transaction that approved it.
type Settler struct {
	wallets        Wallets
	records        Records
	fees           FeePolicy
	platformUserID string
	log            *logrus.Logger
}

func NewSettler(wallets Wallets, records Records, fees FeePolicy, platformUserID string, log *logrus.Logger) *Settler {
	if fees == nil {
		fees = NoFee{}
	}
	return &Settler{
		wallets:        wallets,
		records:        records,
		fees:           fees,
		platformUserID: platformUserID,
		log:            logger.OrDefault(log),
	}
}

// ApplyFee stamps the platform fee on a transaction before it is stored.
func (s *Settler) ApplyFee(t *ledger.Transaction) {
	fee := s.fees.Fee(t)
	if fee.GreaterThan(t.Amount) {
		fee = t.Amount
	}
	t.PlatformFee = fee
	if fee.IsPositive() {
		t.SetData(ledger.DataFeePolicy, s.fees.Name())
	}
}

func (s *Settler) Settle(ctx context.Context, t *ledger.Transaction) error {
	if t.Status != ledger.StatusApproved {
		return fmt.Errorf("cannot settle %s transaction %s", t.Status, t.TransactionID)
	}

	receiver := t.Receiver()
	if receiver != "" && t.NetAmount().IsPositive() {
		if _, err := s.wallets.CreditEarnings(ctx, receiver, t.NetAmount(), string(t.Type)+"_received", t.TransactionID); err != nil {
			return err
		}
	}
	if s.platformUserID != "" && t.PlatformFee.IsPositive() {
		if _, err := s.wallets.CreditEarnings(ctx, s.platformUserID, t.PlatformFee, "platform_fee", t.TransactionID); err != nil {
			return err
		}
	}

	switch {
	case t.Type == ledger.TypeTip:
		if err := s.records.RecordTip(ctx, t); err != nil {
			return err
		}
	case t.Type.IsPurchase():
		if err := s.records.RecordPurchase(ctx, t); err != nil {
			return err
		}
	case t.Type.IsSubscription():
		if _, err := s.records.ActivateSubscription(ctx, t); err != nil {
			return err
		}
	}

	s.log.WithFields(logrus.Fields{
		"transaction_id": t.TransactionID,
		"type":           t.Type,
		"receiver_id":    receiver,
		"net":            t.NetAmount().StringFixed(2),
		"fee":            t.PlatformFee.StringFixed(2),
	}).Info("transaction settled")
	return nil
}
