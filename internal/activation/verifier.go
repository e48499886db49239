// Package activation verifies activation keys, binds them to the first device
// that presents them and mints short-lived session tokens.
//
// Key states:
//
//	Issued (unbound) -> Activated (bound to D) -> Expired
//
// Expiry is reached by time from either earlier state. Only the first
// activation mutates the record; every success mints a fresh session.
package activation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/oklog/ulid/v2"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

const sessionTokenBytes = 32

// Request is one verification attempt.
type Request struct {
	RawKey    string
	Device    string
	IP        string
	UserAgent string
}

// client identifies the caller for the attempt guard.
func (r Request) client() string {
	return r.IP + "|" + r.Device
}

// Result describes a successful verification.
type Result struct {
	Key             string
	Device          string
	FirstActivation bool
	ExpiresAt       time.Time
	TimeLeft        time.Duration
	Session         *keys.Session
	Entry           *keys.ActivationEntry
}

// TimeLeftHours renders the remaining key lifetime in whole hours, rounded up.
func (r *Result) TimeLeftHours() string {
	return fmt.Sprintf("%dh", int(math.Ceil(r.TimeLeft.Hours())))
}

// Verifier runs the activation state machine over a keystore.Store.
type Verifier struct {
	store  keystore.Store
	policy keys.Policy
	guard  *AttemptGuard
	random io.Reader
	logger *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithGuard enables failed-attempt lockout.
func WithGuard(g *AttemptGuard) Option {
	return func(v *Verifier) { v.guard = g }
}

// WithRandom sets the entropy source for session tokens.
func WithRandom(r io.Reader) Option {
	return func(v *Verifier) { v.random = r }
}

// New creates a Verifier.
func New(store keystore.Store, policy keys.Policy, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		store:  store,
		policy: policy,
		random: rand.Reader,
		logger: logger.With(slog.String("component", "verifier")),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Guard returns the configured attempt guard, or nil.
func (v *Verifier) Guard() *AttemptGuard {
	return v.guard
}

// Verify checks req at now. Verification failures are returned as the
// keys sentinel errors; storage faults wrap keys.ErrStorageUnavailable.
func (v *Verifier) Verify(ctx context.Context, req Request, now time.Time) (*Result, error) {
	if v.guard.Blocked(req.client(), now) {
		return nil, keys.ErrTooManyAttempts
	}

	result, err := v.verify(ctx, req, now)
	if keys.IsVerificationFailure(err) {
		if !v.guard.Record(req.client(), false, now) {
			v.logger.WarnContext(ctx, "client blocked after repeated failures",
				slog.String("ip", req.IP),
				slog.String("hwid", keys.MaskDevice(req.Device)))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	v.guard.Record(req.client(), true, now)
	return result, nil
}

func (v *Verifier) verify(ctx context.Context, req Request, now time.Time) (*Result, error) {
	key := keys.Normalize(req.RawKey)
	if err := keys.Validate(key); err != nil {
		return nil, err
	}
	if req.Device == "" {
		return nil, fmt.Errorf("%w: empty device token", keys.ErrInvalidFormat)
	}

	first := false
	rec, err := v.store.ModifyKey(ctx, key, func(rec *keys.Record) (*keys.Record, error) {
		if rec.Expired(now) {
			return nil, keys.ErrExpired
		}
		if rec.Bound() {
			if rec.BoundDevice != req.Device {
				return nil, keys.ErrDeviceMismatch
			}
			return nil, nil
		}
		activatedAt := now
		rec.BoundDevice = req.Device
		rec.Activated = true
		rec.ActivatedAt = &activatedAt
		rec.UsesLeft--
		first = true
		return rec, nil
	})
	if err != nil {
		v.logger.DebugContext(ctx, "verification rejected",
			slog.String("key", keys.Mask(key)),
			slog.String("hwid", keys.MaskDevice(req.Device)),
			slog.String("reason", err.Error()))
		return nil, err
	}

	session, err := v.newSession(rec.Key, req, now)
	if err != nil {
		return nil, err
	}
	if err := v.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	kind := keys.KindReactivation
	if first {
		kind = keys.KindActivation
	}
	entry := &keys.ActivationEntry{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Key:       rec.Key,
		Device:    req.Device,
		Timestamp: now,
		IP:        req.IP,
		UserAgent: req.UserAgent,
		Kind:      kind,
	}
	if err := v.store.AppendActivation(ctx, entry); err != nil {
		return nil, err
	}

	v.logger.InfoContext(ctx, "key verified",
		slog.String("key", keys.Mask(rec.Key)),
		slog.String("hwid", keys.MaskDevice(req.Device)),
		slog.String("kind", kind))

	return &Result{
		Key:             rec.Key,
		Device:          req.Device,
		FirstActivation: first,
		ExpiresAt:       rec.ExpiresAt,
		TimeLeft:        rec.ExpiresAt.Sub(now),
		Session:         session,
		Entry:           entry,
	}, nil
}

func (v *Verifier) newSession(key string, req Request, now time.Time) (*keys.Session, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := io.ReadFull(v.random, buf); err != nil {
		return nil, fmt.Errorf("read session entropy: %w", err)
	}
	return &keys.Session{
		Token:     hex.EncodeToString(buf),
		Key:       key,
		Device:    req.Device,
		IP:        req.IP,
		CreatedAt: now,
		ExpiresAt: now.Add(v.policy.SessionLifetime),
	}, nil
}

// LookupSession returns the session for token when it is still valid at now.
func (v *Verifier) LookupSession(ctx context.Context, token string, now time.Time) (*keys.Session, error) {
	sess, err := v.store.GetSession(ctx, token)
	if err != nil {
		return nil, err
	}
	if !sess.Valid(now) {
		return nil, keys.ErrSessionNotFound
	}
	return sess, nil
}
