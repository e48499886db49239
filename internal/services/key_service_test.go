package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"keygate/internal/activation"
	"keygate/internal/audit"
	"keygate/internal/identity"
	"keygate/internal/issuer"
	"keygate/internal/keys"
	"keygate/internal/keystore"
	"keygate/internal/keystore/memory"
	"keygate/internal/report"
	"keygate/internal/shared/testutil"
	"keygate/internal/sweeper"
)

var t0 = testutil.Epoch

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type eventLog struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *eventLog) Publish(_ context.Context, e audit.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
	return nil
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	svc    KeyService
	store  keystore.Store
	clock  *testutil.Clock
	events *eventLog
}

func newFixture(t *testing.T, store keystore.Store) *fixture {
	t.Helper()
	return newLoggedFixture(t, store, quietLogger())
}

func newLoggedFixture(t *testing.T, store keystore.Store, logger *slog.Logger) *fixture {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	policy := keys.DefaultPolicy()
	c := testutil.NewClock(t0)
	events := &eventLog{}
	svc := NewKeyService(Deps{
		Store:     store,
		Issuer:    issuer.New(store, policy, logger),
		Verifier:  activation.New(store, policy, logger, activation.WithGuard(activation.NewAttemptGuard(3, time.Minute, time.Minute))),
		Sweeper:   sweeper.New(store, policy, logger),
		Publisher: events,
		Clock:     c.Now,
		Logger:    logger,
	})
	return &fixture{svc: svc, store: store, clock: c, events: events}
}

func clickSignals(id string) identity.Signals {
	return identity.Signals{ClickID: id, Headers: http.Header{}, ClientIP: "203.0.113.7"}
}

func TestKeyServiceIssueAndVerify(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Issue(ctx, clickSignals("abc123"), "lootlabs")
	require.NoError(t, err)
	assert.Regexp(t, `^LL-[0-9A-F]{4}-[0-9A-F]{2}$`, res.Key)
	assert.Equal(t, t0.Add(9*time.Hour), res.ExpiresAt)
	assert.False(t, res.Existing)

	again, err := f.svc.Issue(ctx, clickSignals("abc123"), "linkvertise")
	require.NoError(t, err)
	assert.True(t, again.Existing)
	assert.Equal(t, res.Key, again.Key)

	v, err := f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW1", IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.True(t, v.FirstActivation)
	assert.Equal(t, "9h", v.TimeLeftHours())

	f.clock.Advance(time.Minute)
	v, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW1"})
	require.NoError(t, err)
	assert.False(t, v.FirstActivation)

	_, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW2"})
	assert.ErrorIs(t, err, keys.ErrDeviceMismatch)

	assert.Equal(t, []string{audit.EventKeyIssued, audit.EventKeyActivated, audit.EventKeyReactivated}, f.events.types())
}

func TestKeyServiceSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Issue(ctx, clickSignals("s1"), "")
	require.NoError(t, err)
	v, err := f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW1"})
	require.NoError(t, err)

	sess, err := f.svc.Session(ctx, v.Session.Token)
	require.NoError(t, err)
	assert.Equal(t, res.Key, sess.Key)
	assert.Equal(t, "HW1", sess.Device)

	f.clock.Advance(5 * time.Minute)
	_, err = f.svc.Session(ctx, v.Session.Token)
	assert.ErrorIs(t, err, keys.ErrSessionNotFound)

	_, err = f.svc.Session(ctx, "unknown")
	assert.ErrorIs(t, err, keys.ErrSessionNotFound)
}

func TestKeyServiceAttemptGuard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	req := activation.Request{RawKey: "LL-0000-00", Device: "HW1", IP: "198.51.100.1"}

	for i := 0; i < 3; i++ {
		_, err := f.svc.Verify(ctx, req)
		assert.ErrorIs(t, err, keys.ErrNotFound)
	}
	_, err := f.svc.Verify(ctx, req)
	assert.ErrorIs(t, err, keys.ErrTooManyAttempts)
	assert.Empty(t, f.events.types())
}

func TestKeyServiceStatsAndExport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		res, err := f.svc.Issue(ctx, clickSignals(id), "lootlabs")
		require.NoError(t, err)
		if id != "c" {
			_, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW-" + id})
			require.NoError(t, err)
		}
	}

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalKeys)
	assert.EqualValues(t, 2, stats.UsedKeys)
	assert.EqualValues(t, 2, stats.ActiveSessions)
	assert.EqualValues(t, 2, stats.TotalActivations)
	assert.EqualValues(t, 3, stats.TotalGenerations)
	assert.Len(t, stats.RecentActivations, 2)

	entries, err := f.svc.Activations(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportActivations(ctx, &buf, 100))
	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(report.SheetActivations)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestKeyServiceSweep(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Issue(ctx, clickSignals("old"), "")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "HW1"})
	require.NoError(t, err)

	f.clock.Advance(60 * time.Hour)
	rep, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Bindings)
	assert.Equal(t, 1, rep.Keys)
	assert.Equal(t, 1, rep.Sessions)

	_, err = f.store.GetKey(ctx, res.Key)
	assert.ErrorIs(t, err, keys.ErrNotFound)
}

type brokenStore struct {
	keystore.Store
}

func (brokenStore) Stats(context.Context, time.Time, int) (*keys.Stats, error) {
	return nil, keys.StorageError("stats", errors.New("connection reset"))
}

func (brokenStore) ListActivations(context.Context, int) ([]keys.ActivationEntry, error) {
	return nil, keys.StorageError("list activations", errors.New("connection reset"))
}

func TestKeyServiceStorageErrors(t *testing.T) {
	f := newFixture(t, brokenStore{Store: memory.New()})
	ctx := context.Background()

	_, err := f.svc.Stats(ctx)
	assert.ErrorIs(t, err, keys.ErrStorageUnavailable)
	_, err = f.svc.Activations(ctx, 10)
	assert.ErrorIs(t, err, keys.ErrStorageUnavailable)
	assert.ErrorIs(t, f.svc.ExportActivations(ctx, io.Discard, 10), keys.ErrStorageUnavailable)
}

func TestVerifyOutcome(t *testing.T) {
	assert.Equal(t, "activated", verifyOutcome(&activation.Result{FirstActivation: true}, nil))
	assert.Equal(t, "reactivated", verifyOutcome(&activation.Result{}, nil))
	assert.Equal(t, "blocked", verifyOutcome(nil, keys.ErrTooManyAttempts))
	assert.Equal(t, "expired", verifyOutcome(nil, keys.ErrExpired))
	assert.Equal(t, "error", verifyOutcome(nil, keys.StorageError("get", errors.New("x"))))
}

func TestSweepObserverNilMetrics(t *testing.T) {
	assert.NotPanics(t, func() {
		SweepObserver(nil)(sweeper.Report{Keys: 2}, errors.New("partial"))
	})
}

func TestKeyServiceNeverLogsFullKeys(t *testing.T) {
	logger, logs := testutil.NewTestLogger(nil)
	f := newLoggedFixture(t, nil, logger)
	ctx := context.Background()

	res, err := f.svc.Issue(ctx, clickSignals("mask-me"), "lootlabs")
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "DEVICE-SECRET-1", IP: "203.0.113.7"})
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, activation.Request{RawKey: res.Key, Device: "DEVICE-SECRET-2", IP: "203.0.113.7"})
	require.ErrorIs(t, err, keys.ErrDeviceMismatch)

	require.NotZero(t, logs.Count())
	assert.False(t, logs.ContainsText(res.Key), "full key logged")
	assert.False(t, logs.ContainsText("DEVICE-SECRET"), "full device token logged")
	testutil.AssertNoErrors(t, logs)
}
