package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthServiceLiveness(t *testing.T) {
	hs := NewHealthService("1.0.0", nil, quietLogger())
	status := hs.LivenessCheck(context.Background())
	assert.Equal(t, "alive", status.Status)
	assert.Equal(t, "1.0.0", status.Version)
	assert.Contains(t, status.Runtime, "goroutines")
}

func TestHealthServiceReadiness(t *testing.T) {
	ready := NewHealthService("1.0.0", pingFunc(func(context.Context) error { return nil }), quietLogger())
	ready.AddReporter("audit", func() interface{} { return map[string]int{"queued": 0} })

	status := ready.ReadinessCheck(context.Background())
	assert.Equal(t, "ready", status.Status)
	assert.Contains(t, status.Services, "audit")

	down := NewHealthService("1.0.0", pingFunc(func(context.Context) error { return errors.New("redis: connection refused") }), quietLogger())
	status = down.ReadinessCheck(context.Background())
	assert.Equal(t, "not_ready", status.Status)
	assert.Equal(t, "redis: connection refused", status.Services["store"].(ServiceHealth).Message)

	assert.Equal(t, "not_ready", NewHealthService("1.0.0", nil, quietLogger()).ReadinessCheck(context.Background()).Status)
}
