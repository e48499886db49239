// Package audit mirrors issuance and activation events to external sinks:
// Kafka, a Google Sheets spreadsheet and the admin websocket feed.
//
// Sinks never fail a request. Events are queued on a Dispatcher and delivered
// by a background worker; failures are logged and counted.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"keygate/internal/keys"
)

// Event types
const (
	EventKeyIssued      = "key.issued"
	EventKeyActivated   = "key.activated"
	EventKeyReactivated = "key.reactivated"
)

// Event is the payload published to every sink.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Key       string    `json:"key"`
	Service   string    `json:"service,omitempty"`
	Identity  string    `json:"identityOrigin,omitempty"`
	Device    string    `json:"hwid,omitempty"`
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"userAgent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// JSON encodes the event.
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Row renders the event as a spreadsheet row.
func (e Event) Row() []interface{} {
	expires := ""
	if !e.ExpiresAt.IsZero() {
		expires = e.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return []interface{}{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.Type,
		e.Key,
		e.Service,
		e.Device,
		e.IP,
		e.UserAgent,
		expires,
	}
}

// IssuedEvent builds the event for a newly minted key.
func IssuedEvent(key, service, identityOrigin string, issuedAt, expiresAt time.Time) Event {
	return Event{
		ID:        ulid.MustNew(ulid.Timestamp(issuedAt), ulid.DefaultEntropy()).String(),
		Type:      EventKeyIssued,
		Key:       key,
		Service:   service,
		Identity:  identityOrigin,
		Timestamp: issuedAt,
		ExpiresAt: expiresAt,
	}
}

// ActivationEvent builds the event for a successful verification.
func ActivationEvent(entry *keys.ActivationEntry, expiresAt time.Time) Event {
	typ := EventKeyActivated
	if entry.Kind == keys.KindReactivation {
		typ = EventKeyReactivated
	}
	return Event{
		ID:        entry.ID,
		Type:      typ,
		Key:       entry.Key,
		Device:    entry.Device,
		IP:        entry.IP,
		UserAgent: entry.UserAgent,
		Timestamp: entry.Timestamp,
		ExpiresAt: expiresAt,
	}
}

// Publisher delivers one event to a sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, e Event) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, e Event) error { return f(ctx, e) }
