package http

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"keygate/internal/activation"
	"keygate/internal/identity"
	"keygate/internal/issuer"
	"keygate/internal/keys"
	"keygate/internal/sweeper"
)

type mockKeyService struct {
	mock.Mock
}

func (m *mockKeyService) Issue(ctx context.Context, signals identity.Signals, service string) (*issuer.Result, error) {
	args := m.Called(ctx, signals, service)
	res, _ := args.Get(0).(*issuer.Result)
	return res, args.Error(1)
}

func (m *mockKeyService) Verify(ctx context.Context, req activation.Request) (*activation.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*activation.Result)
	return res, args.Error(1)
}

func (m *mockKeyService) Session(ctx context.Context, token string) (*keys.Session, error) {
	args := m.Called(ctx, token)
	sess, _ := args.Get(0).(*keys.Session)
	return sess, args.Error(1)
}

func (m *mockKeyService) Stats(ctx context.Context) (*keys.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*keys.Stats)
	return stats, args.Error(1)
}

func (m *mockKeyService) Activations(ctx context.Context, limit int) ([]keys.ActivationEntry, error) {
	args := m.Called(ctx, limit)
	entries, _ := args.Get(0).([]keys.ActivationEntry)
	return entries, args.Error(1)
}

func (m *mockKeyService) ExportActivations(ctx context.Context, w io.Writer, limit int) error {
	args := m.Called(ctx, w, limit)
	if len(args) > 1 {
		if payload, ok := args.Get(1).(string); ok {
			_, _ = io.WriteString(w, payload)
		}
	}
	return args.Error(0)
}

func (m *mockKeyService) Sweep(ctx context.Context) (sweeper.Report, error) {
	args := m.Called(ctx)
	return args.Get(0).(sweeper.Report), args.Error(1)
}
