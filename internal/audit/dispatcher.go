package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "keygate/audit"
	defaultQueueSize   = 1024
	defaultSinkTimeout = 5 * time.Second
)

type namedSink struct {
	name string
	pub  Publisher
}

// DispatcherStats counts dispatcher outcomes.
type DispatcherStats struct {
	Sinks     int   `json:"sinks"`
	Queued    int   `json:"queued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher queues events and fans them out to every registered sink from a
// single background worker.
type Dispatcher struct {
	mu          sync.RWMutex
	sinks       []namedSink
	queue       chan Event
	sinkTimeout time.Duration
	logger      *slog.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher with the given queue capacity.
func NewDispatcher(queueSize int, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:       make(chan Event, queueSize),
		sinkTimeout: defaultSinkTimeout,
		logger:      logger.With(slog.String("component", "audit")),
	}
}

// Register adds a sink.
func (d *Dispatcher) Register(name string, p Publisher) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, namedSink{name: name, pub: p})
}

// Enqueue hands e to the worker without blocking. It reports false when the
// queue is full and the event was dropped.
func (d *Dispatcher) Enqueue(e Event) bool {
	select {
	case d.queue <- e:
		return true
	default:
		d.dropped.Add(1)
		d.logger.Warn("audit queue full, dropping event", slog.String("type", e.Type))
		return false
	}
}

// Publish implements Publisher by enqueueing.
func (d *Dispatcher) Publish(_ context.Context, e Event) error {
	if !d.Enqueue(e) {
		return errors.New("audit queue full")
	}
	return nil
}

// Run delivers queued events until ctx is cancelled, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		case <-ctx.Done():
			d.drain()
			return nil
		}
	}
}

func (d *Dispatcher) drain() {
	ctx := context.Background()
	for {
		select {
		case e := <-d.queue:
			d.deliver(ctx, e)
		default:
			return
		}
	}
}

// Deliver sends e to every sink synchronously and joins the failures.
func (d *Dispatcher) Deliver(ctx context.Context, e Event) error {
	d.mu.RLock()
	sinks := append([]namedSink(nil), d.sinks...)
	d.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := d.publishOne(ctx, s, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	if err := d.Deliver(ctx, e); err != nil {
		d.logger.WarnContext(ctx, "audit delivery failed",
			slog.String("type", e.Type),
			slog.String("event_id", e.ID),
			slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) publishOne(ctx context.Context, s namedSink, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
	defer cancel()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "audit.publish."+s.name,
		trace.WithAttributes(
			attribute.String("audit.sink", s.name),
			attribute.String("audit.event_type", e.Type),
		),
	)
	defer span.End()

	err := s.pub.Publish(ctx, e)
	if err != nil {
		d.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	d.delivered.Add(1)
	span.SetStatus(codes.Ok, "delivered")
	return nil
}

// Stats returns dispatcher counters.
func (d *Dispatcher) Stats() DispatcherStats {
	d.mu.RLock()
	sinks := len(d.sinks)
	d.mu.RUnlock()
	return DispatcherStats{
		Sinks:     sinks,
		Queued:    len(d.queue),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}
