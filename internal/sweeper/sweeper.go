// Package sweeper periodically evicts stale identity bindings, long-expired
// keys and expired session tokens.
//
// Every purge is conditional on the stored timestamp at deletion time, so a
// binding refreshed by a concurrent issuance is never removed.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 10 * time.Minute

// Pruner is in-memory state that is trimmed on every sweep.
type Pruner interface {
	Prune(now time.Time) int
}

// Report counts what a sweep removed.
type Report struct {
	Bindings int           `json:"bindings"`
	Keys     int           `json:"keys"`
	Sessions int           `json:"sessions"`
	Pruned   int           `json:"pruned"`
	Duration time.Duration `json:"duration"`
}

// Total is the number of removed store entries.
func (r Report) Total() int {
	return r.Bindings + r.Keys + r.Sessions
}

// Sweeper runs purges against a store.
type Sweeper struct {
	store    keystore.Store
	policy   keys.Policy
	interval time.Duration
	pruners  []Pruner
	now      func() time.Time
	onSweep  func(Report, error)
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the tick interval.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPruner adds in-memory state to trim on every sweep.
func WithPruner(p Pruner) Option {
	return func(s *Sweeper) {
		if p != nil {
			s.pruners = append(s.pruners, p)
		}
	}
}

// WithClock overrides the time source used by Run.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithObserver registers a callback invoked after every sweep.
func WithObserver(fn func(Report, error)) Option {
	return func(s *Sweeper) { s.onSweep = fn }
}

// New creates a Sweeper.
func New(store keystore.Store, policy keys.Policy, logger *slog.Logger, opts ...Option) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sweeper{
		store:    store,
		policy:   policy,
		interval: DefaultInterval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass at now. All purges are attempted even when one fails.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	start := time.Now()
	var (
		report Report
		errs   []error
		err    error
	)

	if report.Bindings, err = s.store.PurgeBindings(ctx, now.Add(-s.policy.BindingRetention)); err != nil {
		errs = append(errs, err)
	}
	if report.Keys, err = s.store.PurgeKeys(ctx, now.Add(-s.policy.KeyRetention)); err != nil {
		errs = append(errs, err)
	}
	if report.Sessions, err = s.store.PurgeSessions(ctx, now); err != nil {
		errs = append(errs, err)
	}
	for _, p := range s.pruners {
		report.Pruned += p.Prune(now)
	}
	report.Duration = time.Since(start)

	err = errors.Join(errs...)
	if s.onSweep != nil {
		s.onSweep(report, err)
	}
	return report, err
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ticker.C:
			report, err := s.Sweep(ctx, s.now())
			if err != nil {
				s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
				continue
			}
			if report.Total() > 0 || report.Pruned > 0 {
				s.logger.InfoContext(ctx, "sweep completed",
					slog.Int("bindings", report.Bindings),
					slog.Int("keys", report.Keys),
					slog.Int("sessions", report.Sessions),
					slog.Int("pruned", report.Pruned),
					slog.Duration("duration", report.Duration))
			}
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopped")
			return nil
		}
	}
}
