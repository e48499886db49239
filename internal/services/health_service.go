package services

import (
	"context"
	"log/slog"
	"runtime"
	"time"
)

// Pinger is a dependency whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatsReporter exposes counters shown on the readiness report.
type StatsReporter func() interface{}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth represents individual service health
type ServiceHealth struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	store     Pinger
	reporters map[string]StatsReporter
	timeout   time.Duration
	startTime time.Time
	logger    *slog.Logger
}

// NewHealthService creates a health service that pings store for readiness.
func NewHealthService(version string, store Pinger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		store:     store,
		reporters: make(map[string]StatsReporter),
		timeout:   2 * time.Second,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health_service")),
	}
}

// AddReporter attaches informational counters to the readiness report.
func (hs *HealthService) AddReporter(name string, fn StatsReporter) {
	hs.reporters[name] = fn
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck reports "ready" only when the key store answers a ping.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]interface{}, 1+len(hs.reporters)),
	}

	store := hs.checkStore(ctx)
	status.Services["store"] = store
	if store.Status != "ready" {
		status.Status = "not_ready"
	}
	for name, fn := range hs.reporters {
		status.Services[name] = ServiceHealth{Status: "ready", Details: fn()}
	}
	return status
}

func (hs *HealthService) checkStore(ctx context.Context) ServiceHealth {
	if hs.store == nil {
		return ServiceHealth{Status: "not_ready", Message: "no key store configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()
	if err := hs.store.Ping(ctx); err != nil {
		hs.logger.WarnContext(ctx, "store ping failed", slog.String("error", err.Error()))
		return ServiceHealth{Status: "not_ready", Message: err.Error()}
	}
	return ServiceHealth{Status: "ready"}
}
