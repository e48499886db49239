package testutil

import (
	"sync"
	"time"

	"keygate/internal/keys"
)

// Epoch is the reference instant used by fixtures.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Clock is a manually advanced time source, safe for concurrent use.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current instant. Pass c.Now wherever a func() time.Time is taken.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// IssuedKey returns an unactivated record issued at at under the default policy.
func IssuedKey(key string, at time.Time) *keys.Record {
	return &keys.Record{
		Key:              key,
		Service:          keys.DefaultService,
		CreatedAt:        at,
		ExpiresAt:        at.Add(keys.DefaultPolicy().KeyLifetime),
		UsesLeft:         1,
		IssuedToIdentity: "click:fixture",
	}
}

// ActivatedKey returns a record bound to device at activatedAt.
func ActivatedKey(key, device string, issuedAt, activatedAt time.Time) *keys.Record {
	rec := IssuedKey(key, issuedAt)
	rec.BoundDevice = device
	rec.Activated = true
	rec.ActivatedAt = &activatedAt
	rec.UsesLeft = 0
	return rec
}

// BindingFor returns a binding of identity to key issued at at.
func BindingFor(identity, key string, at time.Time) *keys.Binding {
	return &keys.Binding{
		Identity:      identity,
		LastIssuedKey: key,
		LastIssuedAt:  at,
		Service:       keys.DefaultService,
	}
}

// SeqReader is an io.Reader yielding 0, 1, 2, ... so generated keys and
// session tokens are predictable.
type SeqReader struct {
	mu   sync.Mutex
	next byte
}

func (r *SeqReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}
