// Package issuer hands out activation keys, at most one per identity per
// issuance window.
package issuer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"keygate/internal/identity"
	"keygate/internal/keys"
	"keygate/internal/keystore"
)

// DefaultMaxAttempts bounds key regeneration after collisions.
const DefaultMaxAttempts = 8

// Result describes the key returned to the visitor.
type Result struct {
	Key       string    `json:"key"`
	Service   string    `json:"service"`
	Identity  string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expires"`
	Existing  bool      `json:"existing"`
}

// Issuer implements the rate-limited issuance algorithm over a keystore.Store.
type Issuer struct {
	store       keystore.Store
	policy      keys.Policy
	random      io.Reader
	maxAttempts int
	inlinePurge bool
	logger      *slog.Logger
}

// Option configures an Issuer.
type Option func(*Issuer)

// WithRandom sets the entropy source for key generation.
func WithRandom(r io.Reader) Option {
	return func(i *Issuer) { i.random = r }
}

// WithMaxAttempts sets how many keys are tried before giving up on collisions.
func WithMaxAttempts(n int) Option {
	return func(i *Issuer) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

// WithInlinePurge drops stale bindings after every newly minted key.
func WithInlinePurge(enabled bool) Option {
	return func(i *Issuer) { i.inlinePurge = enabled }
}

// New creates an Issuer.
func New(store keystore.Store, policy keys.Policy, logger *slog.Logger, opts ...Option) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Issuer{
		store:       store,
		policy:      policy,
		maxAttempts: DefaultMaxAttempts,
		logger:      logger.With(slog.String("component", "issuer")),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue returns the identity's current key when it was issued inside the window
// and has not expired; otherwise it mints a new key and rebinds the identity.
func (i *Issuer) Issue(ctx context.Context, id identity.Identity, service string, now time.Time) (*Result, error) {
	service = keys.NormalizeService(service)
	var result *Result

	_, err := i.store.ModifyBinding(ctx, id.String(), func(ctx context.Context, ka keystore.KeyAccess, current *keys.Binding) (*keys.Binding, error) {
		if current != nil && current.InWindow(now, i.policy.IssueWindow) {
			rec, err := ka.GetKey(ctx, current.LastIssuedKey)
			switch {
			case err == nil && !rec.Expired(now):
				result = &Result{
					Key:       rec.Key,
					Service:   rec.Service,
					Identity:  id.String(),
					CreatedAt: rec.CreatedAt,
					ExpiresAt: rec.ExpiresAt,
					Existing:  true,
				}
				return nil, nil
			case err != nil && !errors.Is(err, keys.ErrNotFound):
				return nil, err
			}
		}

		rec, err := i.mint(ctx, ka, id, service, now)
		if err != nil {
			return nil, err
		}
		result = &Result{
			Key:       rec.Key,
			Service:   rec.Service,
			Identity:  id.String(),
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		}
		return &keys.Binding{
			Identity:      id.String(),
			LastIssuedKey: rec.Key,
			LastIssuedAt:  now,
			Service:       service,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	if result.Existing {
		i.logger.DebugContext(ctx, "returning existing key",
			slog.String("identity_origin", id.Origin()),
			slog.String("key", keys.Mask(result.Key)))
		return result, nil
	}

	i.logger.InfoContext(ctx, "key issued",
		slog.String("identity_origin", id.Origin()),
		slog.String("service", service),
		slog.String("key", keys.Mask(result.Key)),
		slog.Time("expires_at", result.ExpiresAt))

	if i.inlinePurge {
		if n, err := i.store.PurgeBindings(ctx, now.Add(-i.policy.BindingRetention)); err != nil {
			i.logger.WarnContext(ctx, "inline binding purge failed", slog.String("error", err.Error()))
		} else if n > 0 {
			i.logger.DebugContext(ctx, "purged stale bindings", slog.Int("count", n))
		}
	}
	return result, nil
}

func (i *Issuer) mint(ctx context.Context, ka keystore.KeyAccess, id identity.Identity, service string, now time.Time) (*keys.Record, error) {
	prefix := keys.PrefixFor(service)
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		key, err := keys.Generate(i.random, prefix)
		if err != nil {
			return nil, err
		}
		rec := &keys.Record{
			Key:              key,
			Service:          service,
			CreatedAt:        now,
			ExpiresAt:        now.Add(i.policy.KeyLifetime),
			UsesLeft:         1,
			IssuedToIdentity: id.String(),
		}
		err = ka.InsertKey(ctx, rec)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, keys.ErrKeyExists) {
			return nil, err
		}
		i.logger.WarnContext(ctx, "key collision, regenerating",
			slog.String("key", keys.Mask(key)),
			slog.Int("attempt", attempt))
	}
	return nil, fmt.Errorf("%w after %d attempts", keys.ErrCollisionRetryExhausted, i.maxAttempts)
}
