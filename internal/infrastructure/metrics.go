package infrastructure

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// BusinessMetrics holds the keygate instruments.
type BusinessMetrics struct {
	// HTTP metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
	HTTPActiveRequests  metric.Int64UpDownCounter

	// Key lifecycle
	KeysIssued      metric.Int64Counter
	IssueDuration   metric.Float64Histogram
	Verifications   metric.Int64Counter
	VerifyDuration  metric.Float64Histogram
	SessionLookups  metric.Int64Counter
	SweepRemoved    metric.Int64Counter
	SweepErrors     metric.Int64Counter
	AttemptsBlocked metric.Int64Counter
}

// CreateBusinessMetrics registers every instrument on meter.
func CreateBusinessMetrics(meter metric.Meter) (*BusinessMetrics, error) {
	var (
		m   BusinessMetrics
		err error
	)
	counter := func(name, desc string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
		return h
	}

	m.HTTPRequestsTotal = counter("http_requests_total", "Total number of HTTP requests")
	m.HTTPRequestDuration = histogram("http_request_duration_seconds", "HTTP request duration in seconds")
	if err == nil {
		m.HTTPActiveRequests, err = meter.Int64UpDownCounter("http_active_requests",
			metric.WithDescription("Number of active HTTP requests"))
	}

	m.KeysIssued = counter("keygate_keys_issued_total", "Issue calls by service and outcome (new or existing)")
	m.IssueDuration = histogram("keygate_issue_duration_seconds", "Issue latency in seconds")
	m.Verifications = counter("keygate_verifications_total", "Verify calls by outcome")
	m.VerifyDuration = histogram("keygate_verify_duration_seconds", "Verify latency in seconds")
	m.SessionLookups = counter("keygate_session_lookups_total", "Session lookups by validity")
	m.SweepRemoved = counter("keygate_sweep_removed_total", "Entries removed by the sweeper by kind")
	m.SweepErrors = counter("keygate_sweep_errors_total", "Sweeps that hit a storage error")
	m.AttemptsBlocked = counter("keygate_attempts_blocked_total", "Verify calls rejected by the attempt guard")

	if err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordIssue records one Issue call. outcome is "new", "existing" or "error".
func RecordIssue(ctx context.Context, m *BusinessMetrics, service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("outcome", outcome),
	)
	m.KeysIssued.Add(ctx, 1, attrs)
	m.IssueDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordVerify records one Verify call under outcome, e.g. "activated",
// "expired" or "device_mismatch".
func RecordVerify(ctx context.Context, m *BusinessMetrics, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.Verifications.Add(ctx, 1, attrs)
	m.VerifyDuration.Record(ctx, d.Seconds(), attrs)
	if outcome == "blocked" {
		m.AttemptsBlocked.Add(ctx, 1)
	}
}

// RecordSessionLookup records a session check.
func RecordSessionLookup(ctx context.Context, m *BusinessMetrics, valid bool) {
	if m == nil {
		return
	}
	m.SessionLookups.Add(ctx, 1, metric.WithAttributes(attribute.Bool("valid", valid)))
}

// RecordSweep records removals per kind and whether the sweep failed.
func RecordSweep(ctx context.Context, m *BusinessMetrics, removed map[string]int, failed bool) {
	if m == nil {
		return
	}
	for kind, n := range removed {
		if n > 0 {
			m.SweepRemoved.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
	if failed {
		m.SweepErrors.Add(ctx, 1)
	}
}
