package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keygate/internal/activation"
	"keygate/internal/audit"
	"keygate/internal/identity"
	"keygate/internal/infrastructure"
	"keygate/internal/issuer"
	"keygate/internal/keys"
	"keygate/internal/keystore"
	"keygate/internal/report"
	"keygate/internal/sweeper"
)

// RecentActivations is how many entries the stats report carries.
const RecentActivations = 10

// KeyService is the key lifecycle as seen by the transport layer.
type KeyService interface {
	Issue(ctx context.Context, signals identity.Signals, service string) (*issuer.Result, error)
	Verify(ctx context.Context, req activation.Request) (*activation.Result, error)
	Session(ctx context.Context, token string) (*keys.Session, error)
	Stats(ctx context.Context) (*keys.Stats, error)
	Activations(ctx context.Context, limit int) ([]keys.ActivationEntry, error)
	ExportActivations(ctx context.Context, w io.Writer, limit int) error
	Sweep(ctx context.Context) (sweeper.Report, error)
}

// Deps are the collaborators of a key service.
type Deps struct {
	Store     keystore.Store
	Issuer    *issuer.Issuer
	Verifier  *activation.Verifier
	Sweeper   *sweeper.Sweeper
	Publisher audit.Publisher
	Metrics   *infrastructure.BusinessMetrics
	Tracer    trace.Tracer
	Clock     func() time.Time
	Logger    *slog.Logger
}

type keyService struct {
	store     keystore.Store
	issuer    *issuer.Issuer
	verifier  *activation.Verifier
	sweeper   *sweeper.Sweeper
	publisher audit.Publisher
	metrics   *infrastructure.BusinessMetrics
	tracer    trace.Tracer
	now       func() time.Time
	logger    *slog.Logger
}

// NewKeyService wires a KeyService. Publisher, Metrics and Tracer are optional.
func NewKeyService(d Deps) KeyService {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer(infrastructure.MeterName)
	}
	if d.Publisher == nil {
		d.Publisher = audit.PublisherFunc(func(context.Context, audit.Event) error { return nil })
	}
	return &keyService{
		store:     d.Store,
		issuer:    d.Issuer,
		verifier:  d.Verifier,
		sweeper:   d.Sweeper,
		publisher: d.Publisher,
		metrics:   d.Metrics,
		tracer:    d.Tracer,
		now:       d.Clock,
		logger:    d.Logger.With(slog.String("component", "key_service")),
	}
}

// Issue resolves the visitor identity and returns its key for the window.
func (s *keyService) Issue(ctx context.Context, signals identity.Signals, service string) (*issuer.Result, error) {
	now := s.now()
	id := identity.Resolve(signals)
	service = keys.NormalizeService(service)

	ctx, span := s.tracer.Start(ctx, "keys.issue", trace.WithAttributes(
		attribute.String("identity.origin", id.Origin()),
		attribute.String("service", service),
	))
	defer span.End()

	start := time.Now()
	result, err := s.issuer.Issue(ctx, id, service, now)
	if err != nil {
		infrastructure.RecordIssue(ctx, s.metrics, service, "error", time.Since(start))
		infrastructure.RecordError(ctx, err)
		s.logger.ErrorContext(ctx, "issue failed",
			slog.String("identity_origin", id.Origin()),
			slog.String("error", err.Error()))
		return nil, err
	}

	outcome := "new"
	if result.Existing {
		outcome = "existing"
	}
	infrastructure.RecordIssue(ctx, s.metrics, result.Service, outcome, time.Since(start))
	span.SetAttributes(attribute.Bool("existing", result.Existing))

	if !result.Existing {
		s.publish(ctx, audit.IssuedEvent(result.Key, result.Service, id.Origin(), result.CreatedAt, result.ExpiresAt))
	}
	return result, nil
}

// Verify runs the activation state machine for one attempt.
func (s *keyService) Verify(ctx context.Context, req activation.Request) (*activation.Result, error) {
	now := s.now()
	ctx, span := s.tracer.Start(ctx, "keys.verify")
	defer span.End()

	start := time.Now()
	result, err := s.verifier.Verify(ctx, req, now)
	outcome := verifyOutcome(result, err)
	infrastructure.RecordVerify(ctx, s.metrics, outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", outcome))

	if err != nil {
		if outcome == "error" {
			infrastructure.RecordError(ctx, err)
			s.logger.ErrorContext(ctx, "verify failed",
				slog.String("hwid", keys.MaskDevice(req.Device)),
				slog.String("error", err.Error()))
		}
		return nil, err
	}

	if result.Entry != nil {
		s.publish(ctx, audit.ActivationEvent(result.Entry, result.ExpiresAt))
	}
	return result, nil
}

// Session returns a still-valid session for token.
func (s *keyService) Session(ctx context.Context, token string) (*keys.Session, error) {
	now := s.now()
	ctx, span := s.tracer.Start(ctx, "keys.session")
	defer span.End()

	sess, err := s.verifier.LookupSession(ctx, token, now)
	switch {
	case err == nil:
		infrastructure.RecordSessionLookup(ctx, s.metrics, true)
	case errors.Is(err, keys.ErrSessionNotFound):
		infrastructure.RecordSessionLookup(ctx, s.metrics, false)
	default:
		infrastructure.RecordError(ctx, err)
	}
	return sess, err
}

// Stats aggregates the store counters with the most recent activations.
func (s *keyService) Stats(ctx context.Context) (*keys.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "keys.stats")
	defer span.End()

	stats, err := s.store.Stats(ctx, s.now(), RecentActivations)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return nil, err
	}
	return stats, nil
}

// Activations lists up to limit audit entries, newest first.
func (s *keyService) Activations(ctx context.Context, limit int) ([]keys.ActivationEntry, error) {
	ctx, span := s.tracer.Start(ctx, "keys.activations", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	entries, err := s.store.ListActivations(ctx, limit)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return nil, err
	}
	return entries, nil
}

// ExportActivations writes an xlsx workbook of the latest activations and
// the current stats to w.
func (s *keyService) ExportActivations(ctx context.Context, w io.Writer, limit int) error {
	now := s.now()
	ctx, span := s.tracer.Start(ctx, "keys.export")
	defer span.End()

	stats, err := s.store.Stats(ctx, now, 0)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return err
	}
	entries, err := s.store.ListActivations(ctx, limit)
	if err != nil {
		infrastructure.RecordError(ctx, err)
		return err
	}
	return report.Write(w, *stats, entries, now)
}

// Sweep purges stale state once. Metrics are recorded by the sweeper's
// observer (see SweepObserver).
func (s *keyService) Sweep(ctx context.Context) (sweeper.Report, error) {
	ctx, span := s.tracer.Start(ctx, "keys.sweep")
	defer span.End()

	rep, err := s.sweeper.Sweep(ctx, s.now())
	if err != nil {
		infrastructure.RecordError(ctx, err)
	}
	return rep, err
}

// SweepObserver records sweep metrics. Pass it to sweeper.WithObserver.
func SweepObserver(metrics *infrastructure.BusinessMetrics) func(sweeper.Report, error) {
	return func(rep sweeper.Report, err error) {
		infrastructure.RecordSweep(context.Background(), metrics, map[string]int{
			"bindings": rep.Bindings,
			"keys":     rep.Keys,
			"sessions": rep.Sessions,
			"clients":  rep.Pruned,
		}, err != nil)
	}
}

// publish hands an event to the audit pipeline. Sink failures never fail
// the request.
func (s *keyService) publish(ctx context.Context, e audit.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "audit event dropped",
			slog.String("event_type", e.Type),
			slog.String("key", keys.Mask(e.Key)),
			slog.String("error", err.Error()))
	}
}

func verifyOutcome(result *activation.Result, err error) string {
	switch {
	case err == nil && result != nil && result.FirstActivation:
		return "activated"
	case err == nil:
		return "reactivated"
	case errors.Is(err, keys.ErrTooManyAttempts):
		return "blocked"
	case errors.Is(err, keys.ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, keys.ErrNotFound):
		return "not_found"
	case errors.Is(err, keys.ErrExpired):
		return "expired"
	case errors.Is(err, keys.ErrDeviceMismatch):
		return "device_mismatch"
	default:
		return "error"
	}
}
