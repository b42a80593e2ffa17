package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventPaymentSucceeded      EventType = "payment.succeeded"
	EventPaymentFailed         EventType = "payment.failed"
	EventSubscriptionRenewed   EventType = "subscription.renewed"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	// EventUnknown is a well-formed notification this service does not act on.
	EventUnknown EventType = "unknown"
)

var eventAliases = map[string]EventType{
	"NewSaleSuccess":                   EventPaymentSucceeded,
	"NewSaleFailure":                   EventPaymentFailed,
	"RenewalSuccess":                   EventSubscriptionRenewed,
	"Cancellation":                     EventSubscriptionCancelled,
	string(EventPaymentSucceeded):      EventPaymentSucceeded,
	string(EventPaymentFailed):         EventPaymentFailed,
	string(EventSubscriptionRenewed):   EventSubscriptionRenewed,
	string(EventSubscriptionCancelled): EventSubscriptionCancelled,
}

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Event is one normalised gateway notification. TransactionID is the
// gateway correlation id: for sales it matches the pending transaction, for
// renewals it is the renewal's own id.
type Event struct {
	Type           EventType           `json:"-"`
	RawType        string              `json:"eventType"`
	TransactionID  string              `json:"transactionId"`
	SubscriptionID string              `json:"subscriptionId"`
	Amount         decimal.NullDecimal `json:"amount"`
	Reason         string              `json:"reason"`
	OccurredAt     time.Time           `json:"timestamp"`
}

type envelope struct {
	Events []Event `json:"events"`
}

// ParseEvents accepts a single event object, a JSON array of events or an
// object with an "events" array.
func ParseEvents(body []byte) ([]Event, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	var events []Event
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
	case '{':
		var env envelope
		if err := json.Unmarshal(body, &env); err == nil && len(env.Events) > 0 {
			events = env.Events
		} else {
			var single Event
			if err := json.Unmarshal(body, &single); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
			}
			events = []Event{single}
		}
	default:
		return nil, fmt.Errorf("%w: expected JSON object or array", ErrMalformedPayload)
	}

	for i := range events {
		e := &events[i]
		if e.RawType == "" {
			return nil, fmt.Errorf("%w: event without eventType", ErrMalformedPayload)
		}
		t, ok := eventAliases[e.RawType]
		if !ok {
			t = EventUnknown
		}
		e.Type = t
		switch t {
		case EventPaymentSucceeded, EventPaymentFailed, EventSubscriptionRenewed:
			if e.TransactionID == "" {
				return nil, fmt.Errorf("%w: %s without transactionId", ErrMalformedPayload, e.RawType)
			}
		}
		switch t {
		case EventSubscriptionRenewed, EventSubscriptionCancelled:
			if e.SubscriptionID == "" {
				return nil, fmt.Errorf("%w: %s without subscriptionId", ErrMalformedPayload, e.RawType)
			}
		}
	}
	return events, nil
}
