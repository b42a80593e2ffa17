package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrNotConfigured = errors.New("payment gateway is not configured")

// PaymentIntent is what the gateway needs to render its hosted payment
// form. TransactionID is our id and is echoed back in webhooks through the
// correlation id.
type PaymentIntent struct {
	TransactionID string
	PayerID       string
	ReceiverID    string
	Amount        decimal.Decimal
	Description   string
	RecurringDays int
}

type Redirect struct {
	URL           string
	CorrelationID string
}

type Client interface {
	InitiatePayment(ctx context.Context, intent PaymentIntent) (*Redirect, error)
}

type HostedConfig struct {
	BaseURL      string
	AccountID    string
	SubAccountID string
	FormSecret   string
	Currency     string
}

// HostedClient builds signed hosted-form URLs. The form digest lets the
// gateway reject tampered prices.
type HostedClient struct {
	cfg HostedConfig
}

func NewHostedClient(cfg HostedConfig) *HostedClient {
	return &HostedClient{cfg: cfg}
}

func (c *HostedClient) InitiatePayment(_ context.Context, intent PaymentIntent) (*Redirect, error) {
	if c.cfg.BaseURL == "" || c.cfg.AccountID == "" || c.cfg.FormSecret == "" {
		return nil, ErrNotConfigured
	}
	base, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	correlationID := "ccb_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	params := url.Values{}
	params.Set("clientAccnum", c.cfg.AccountID)
	params.Set("clientSubacc", c.cfg.SubAccountID)
	params.Set("initialPrice", intent.Amount.StringFixed(2))
	params.Set("initialPeriod", "30")
	params.Set("currencyCode", c.cfg.Currency)
	params.Set("X-correlation_id", correlationID)
	params.Set("X-transaction_id", intent.TransactionID)
	if intent.RecurringDays > 0 {
		params.Set("initialPeriod", strconv.Itoa(intent.RecurringDays))
		params.Set("recurringPrice", intent.Amount.StringFixed(2))
		params.Set("recurringPeriod", strconv.Itoa(intent.RecurringDays))
		params.Set("numRebills", "99")
	}
	params.Set("formDigest", formDigest(params, c.cfg.FormSecret))

	base.RawQuery = params.Encode()
	return &Redirect{URL: base.String(), CorrelationID: correlationID}, nil
}

// formDigest signs the sorted parameters with HMAC-SHA256.
func formDigest(params url.Values, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	mac := hmac.New(sha256.New, []byte(secret))
	for _, k := range keys {
		mac.Write([]byte(k))
		mac.Write([]byte("="))
		mac.Write([]byte(params.Get(k)))
		mac.Write([]byte("&"))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// StubClient is used in development and tests. It never leaves the
// process and remembers every intent it saw.
type StubClient struct {
	BaseURL string
	Err     error

	mu      sync.Mutex
	intents []PaymentIntent
}

func NewStubClient(baseURL string) *StubClient {
	return &StubClient{BaseURL: baseURL}
}

func (c *StubClient) InitiatePayment(_ context.Context, intent PaymentIntent) (*Redirect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	c.intents = append(c.intents, intent)
	correlationID := "stub_" + uuid.New().String()
	return &Redirect{
		URL:           strings.TrimRight(c.BaseURL, "/") + "/checkout/" + correlationID,
		CorrelationID: correlationID,
	}, nil
}

func (c *StubClient) Intents() []PaymentIntent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PaymentIntent, len(c.intents))
	copy(out, c.intents)
	return out
}
