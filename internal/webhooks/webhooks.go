// Package webhooks notifies tenants about changes to their subscription.
//
// A tenant registers endpoints; every ledger transition is POSTed to each
// active endpoint that wants the event, signed with the endpoint's secret.
// Deliveries retry with backoff. An endpoint that keeps failing is
// disabled after MaxConsecutiveFailures deliveries in a row.
package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// EventType names a notification.
type EventType string

const (
	EventSubscriptionUpdated  EventType = "subscription.updated"
	EventSubscriptionCanceled EventType = "subscription.canceled"
	EventPing                 EventType = "webhook.ping"
)

// KnownEvents are the types an endpoint may subscribe to.
var KnownEvents = []EventType{EventSubscriptionUpdated, EventSubscriptionCanceled}

const (
	// MaxConsecutiveFailures disables an endpoint.
	MaxConsecutiveFailures = 10
	// MaxEndpointsPerTenant bounds registrations.
	MaxEndpointsPerTenant  = 10

	HeaderEvent     = "X-Aegis-Event"
	HeaderDelivery  = "X-Aegis-Delivery"
	HeaderTimestamp = "X-Aegis-Timestamp"
	HeaderSignature = "X-Aegis-Signature"
)

var (
	ErrNotFound     = errors.New("webhooks: endpoint not found")
	ErrUnknownEvent = errors.New("webhooks: unknown event type")
	ErrDisabled     = errors.New("webhooks: endpoint disabled")
)

// Event is the JSON body of a delivery.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	TenantID  string         `json:"tenantId"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Endpoint is a tenant's registered receiver.
type Endpoint struct {
	ID                  string      `json:"id"`
	TenantID            string      `json:"tenantId"`
	URL                 string      `json:"url"`
	Secret              string      `json:"-"`
	Events              []EventType `json:"events"`
	Active              bool        `json:"active"`
	CreatedAt           time.Time   `json:"createdAt"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastError           string      `json:"lastError,omitempty"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
}

// Wants reports whether the endpoint subscribes to t. An empty event list
// subscribes to everything; pings always go through.
func (e *Endpoint) Wants(t EventType) bool {
	if len(e.Events) == 0 || t == EventPing {
		return true
	}
	for _, et := range e.Events {
		if et == t {
			return true
		}
	}
	return false
}

// ParseEvents validates raw event names.
func ParseEvents(raw []string) ([]EventType, error) {
	out := make([]EventType, 0, len(raw))
	for _, r := range raw {
		known := false
		for _, k := range KnownEvents {
			if EventType(r) == k {
				known = true
				break
			}
		}
		if !known {
			return nil, ErrUnknownEvent
		}
		out = append(out, EventType(r))
	}
	return out, nil
}

// Store persists endpoints.
type Store interface {
	Create(ctx context.Context, ep *Endpoint) error
	Get(ctx context.Context, tenantID, id string) (*Endpoint, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error)
	CountByTenant(ctx context.Context, tenantID string) (int, error)
	// RecordSuccess clears the failure streak.
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure atomically extends the failure streak and deactivates
	// the endpoint once it reaches disableAt. It returns the new streak
	// and whether the endpoint is still active.
	RecordFailure(ctx context.Context, id, lastError string, disableAt int) (failures int, active bool, err error)
	Delete(ctx context.Context, tenantID, id string) error
}

// Sign returns the hex HMAC-SHA256 of "<timestamp>.<payload>".
// Receivers recompute it from the timestamp and signature headers.
func Sign(secret string, timestamp int64, payload []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(strconv.FormatInt(timestamp, 10)))
	h.Write([]byte{'.'})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret string, timestamp int64, payload []byte, signature string) bool {
	want := Sign(secret, timestamp, payload)
	return hmac.Equal([]byte(want), []byte(signature))
}
