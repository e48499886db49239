// Package storetest is a conformance suite run by every keystore backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) keystore.Store

// Base is the fixed clock used by the suite.
var Base = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// Run executes the whole suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("KeyCRUD", func(t *testing.T) { testKeyCRUD(t, newStore(t)) })
	t.Run("InsertKeyCollision", func(t *testing.T) { testInsertCollision(t, newStore(t)) })
	t.Run("ModifyKey", func(t *testing.T) { testModifyKey(t, newStore(t)) })
	t.Run("ModifyKeyConcurrentBinding", func(t *testing.T) { testModifyKeyConcurrent(t, newStore(t)) })
	t.Run("BindingCRUD", func(t *testing.T) { testBindingCRUD(t, newStore(t)) })
	t.Run("ModifyBindingConcurrent", func(t *testing.T) { testModifyBindingConcurrent(t, newStore(t)) })
	t.Run("ModifyBindingError", func(t *testing.T) { testModifyBindingError(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("Activations", func(t *testing.T) { testActivations(t, newStore(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newStore(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) { require.NoError(t, newStore(t).Ping(context.Background())) })
}

// NewRecord builds an unbound record issued at Base.
func NewRecord(key string) *keys.Record {
	return &keys.Record{
		Key:              key,
		Service:          "lootlabs",
		CreatedAt:        Base,
		ExpiresAt:        Base.Add(9 * time.Hour),
		UsesLeft:         1,
		IssuedToIdentity: "click:fixture",
	}
}

// SameTime asserts that two instants are equal regardless of location.
func SameTime(t *testing.T, want, got time.Time, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, want.Equal(got), append([]interface{}{"want %s got %s", want, got}, msgAndArgs...)...)
}

func testKeyCRUD(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	_, err := s.GetKey(ctx, "LL-0000-00")
	assert.ErrorIs(t, err, keys.ErrNotFound)

	rec := NewRecord("LL-AB12-9F")
	require.NoError(t, s.PutKey(ctx, rec))

	got, err := s.GetKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, rec.Key, got.Key)
	assert.Equal(t, "lootlabs", got.Service)
	assert.Equal(t, 1, got.UsesLeft)
	assert.Equal(t, "click:fixture", got.IssuedToIdentity)
	assert.False(t, got.Activated)
	assert.Empty(t, got.BoundDevice)
	assert.Nil(t, got.ActivatedAt)
	SameTime(t, rec.CreatedAt, got.CreatedAt)
	SameTime(t, rec.ExpiresAt, got.ExpiresAt)

	// mutating the returned copy must not leak into storage
	got.BoundDevice = "HW1"
	again, err := s.GetKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Empty(t, again.BoundDevice)

	activatedAt := Base.Add(time.Minute)
	rec.BoundDevice = "HW1"
	rec.Activated = true
	rec.ActivatedAt = &activatedAt
	rec.UsesLeft = 0
	require.NoError(t, s.PutKey(ctx, rec))

	got, err = s.GetKey(ctx, rec.Key)
	require.NoError(t, err)
	assert.Equal(t, "HW1", got.BoundDevice)
	assert.True(t, got.Activated)
	require.NotNil(t, got.ActivatedAt)
	SameTime(t, activatedAt, *got.ActivatedAt)
	assert.Equal(t, 0, got.UsesLeft)

	require.NoError(t, s.DeleteKey(ctx, rec.Key))
	_, err = s.GetKey(ctx, rec.Key)
	assert.ErrorIs(t, err, keys.ErrNotFound)
	assert.NoError(t, s.DeleteKey(ctx, rec.Key))
}

func testInsertCollision(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	require.NoError(t, s.InsertKey(ctx, NewRecord("LV-0001-01")))
	err := s.InsertKey(ctx, NewRecord("LV-0001-01"))
	assert.ErrorIs(t, err, keys.ErrKeyExists)
	require.NoError(t, s.InsertKey(ctx, NewRecord("LV-0001-02")))

	st, err := s.Stats(ctx, Base, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TotalKeys)
	assert.Equal(t, int64(2), st.TotalGenerations)
}

func testModifyKey(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	_, err := s.ModifyKey(ctx, "CEVEX-FFFF-FF", func(rec *keys.Record) (*keys.Record, error) {
		t.Fatal("fn must not run for a missing key")
		return nil, nil
	})
	assert.ErrorIs(t, err, keys.ErrNotFound)

	require.NoError(t, s.InsertKey(ctx, NewRecord("CEVEX-1234-56")))

	// nil result skips the write
	got, err := s.ModifyKey(ctx, "CEVEX-1234-56", func(rec *keys.Record) (*keys.Record, error) {
		rec.BoundDevice = "ignored"
		return nil, nil
	})
	require.NoError(t, err)
	assert.Empty(t, got.BoundDevice)

	// errors leave the record untouched and return it
	sentinel := errors.New("reject")
	got, err = s.ModifyKey(ctx, "CEVEX-1234-56", func(rec *keys.Record) (*keys.Record, error) {
		rec.BoundDevice = "ignored"
		return rec, sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	require.NotNil(t, got)
	assert.Empty(t, got.BoundDevice)

	got, err = s.ModifyKey(ctx, "CEVEX-1234-56", func(rec *keys.Record) (*keys.Record, error) {
		rec.BoundDevice = "HW1"
		rec.Activated = true
		return rec, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HW1", got.BoundDevice)

	stored, err := s.GetKey(ctx, "CEVEX-1234-56")
	require.NoError(t, err)
	assert.Equal(t, "HW1", stored.BoundDevice)
	assert.True(t, stored.Activated)
}

func testModifyKeyConcurrent(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertKey(ctx, NewRecord("LL-C0DE-01")))

	const workers = 12
	var (
		wg      sync.WaitGroup
		success atomic.Int32
		denied  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			_, err := s.ModifyKey(ctx, "LL-C0DE-01", func(rec *keys.Record) (*keys.Record, error) {
				if rec.Bound() && rec.BoundDevice != device {
					return rec, keys.ErrDeviceMismatch
				}
				rec.BoundDevice = device
				rec.Activated = true
				return rec, nil
			})
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, keys.ErrDeviceMismatch):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("HW%d", i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), success.Load())
	assert.Equal(t, int32(workers-1), denied.Load())
}

func testBindingCRUD(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	b, err := s.FindBinding(ctx, "click:none")
	require.NoError(t, err)
	assert.Nil(t, b)

	require.NoError(t, s.PutBinding(ctx, &keys.Binding{
		Identity:      "click:abc",
		LastIssuedKey: "LL-AB12-9F",
		LastIssuedAt:  Base,
		Service:       "lootlabs",
	}))
	b, err = s.FindBinding(ctx, "click:abc")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "LL-AB12-9F", b.LastIssuedKey)
	assert.Equal(t, "lootlabs", b.Service)
	SameTime(t, Base, b.LastIssuedAt)

	require.NoError(t, s.PutBinding(ctx, &keys.Binding{
		Identity:      "click:abc",
		LastIssuedKey: "LL-FFFF-00",
		LastIssuedAt:  Base.Add(time.Hour),
		Service:       "lootlabs",
	}))
	b, err = s.FindBinding(ctx, "click:abc")
	require.NoError(t, err)
	assert.Equal(t, "LL-FFFF-00", b.LastIssuedKey)

	require.NoError(t, s.DeleteBinding(ctx, "click:abc"))
	b, err = s.FindBinding(ctx, "click:abc")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func testModifyBindingConcurrent(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	const workers = 12
	var (
		wg     sync.WaitGroup
		minted atomic.Int32
		seen   sync.Map
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b, err := s.ModifyBinding(ctx, "sub:race", func(ctx context.Context, ka keystore.KeyAccess, current *keys.Binding) (*keys.Binding, error) {
				if current != nil {
					if _, err := ka.GetKey(ctx, current.LastIssuedKey); err != nil {
						return nil, err
					}
					return nil, nil
				}
				key := fmt.Sprintf("LV-%04X-%02X", n, n)
				if err := ka.InsertKey(ctx, NewRecord(key)); err != nil {
					return nil, err
				}
				minted.Add(1)
				return &keys.Binding{LastIssuedKey: key, LastIssuedAt: Base, Service: "linkvertise"}, nil
			})
			if !assert.NoError(t, err) {
				return
			}
			seen.Store(b.LastIssuedKey, true)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), minted.Load())
	distinct := 0
	seen.Range(func(_, _ any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct)

	b, err := s.FindBinding(ctx, "sub:race")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "sub:race", b.Identity)
}

func testModifyBindingError(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	sentinel := errors.New("boom")

	_, err := s.ModifyBinding(ctx, "ip:deadbeef", func(context.Context, keystore.KeyAccess, *keys.Binding) (*keys.Binding, error) {
		return &keys.Binding{LastIssuedKey: "LL-0000-00", LastIssuedAt: Base}, sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	b, err := s.FindBinding(ctx, "ip:deadbeef")
	require.NoError(t, err)
	assert.Nil(t, b)
}

func testSessions(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, keys.ErrSessionNotFound)

	sess := &keys.Session{
		Token:     "a1b2c3",
		Key:       "LL-AB12-9F",
		Device:    "HW1",
		IP:        "203.0.113.7",
		CreatedAt: Base,
		ExpiresAt: Base.Add(5 * time.Minute),
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "a1b2c3")
	require.NoError(t, err)
	assert.Equal(t, "LL-AB12-9F", got.Key)
	assert.Equal(t, "HW1", got.Device)
	assert.Equal(t, "203.0.113.7", got.IP)
	SameTime(t, sess.ExpiresAt, got.ExpiresAt)
}

func testActivations(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	list, err := s.ListActivations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendActivation(ctx, &keys.ActivationEntry{
			ID:        fmt.Sprintf("01J%023d", i),
			Key:       fmt.Sprintf("LL-000%d-00", i),
			Device:    "HW1",
			Timestamp: Base.Add(time.Duration(i) * time.Minute),
			IP:        "198.51.100.1",
			UserAgent: "test",
			Kind:      keys.KindActivation,
		}))
	}

	list, err = s.ListActivations(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "LL-0004-00", list[0].Key)
	assert.Equal(t, "LL-0003-00", list[1].Key)
	assert.Equal(t, "LL-0002-00", list[2].Key)
	assert.Equal(t, keys.KindActivation, list[0].Kind)
	assert.Equal(t, "198.51.100.1", list[0].IP)
	SameTime(t, Base.Add(4*time.Minute), list[0].Timestamp)

	all, err := s.ListActivations(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func testPurge(t *testing.T, s keystore.Store) {
	ctx := context.Background()
	now := Base.Add(72 * time.Hour)

	old := NewRecord("CEVEX-0000-01")
	require.NoError(t, s.InsertKey(ctx, old))
	fresh := NewRecord("CEVEX-0000-02")
	fresh.CreatedAt = now.Add(-time.Hour)
	fresh.ExpiresAt = now.Add(8 * time.Hour)
	require.NoError(t, s.InsertKey(ctx, fresh))

	require.NoError(t, s.PutBinding(ctx, &keys.Binding{Identity: "click:old", LastIssuedKey: old.Key, LastIssuedAt: Base}))
	require.NoError(t, s.PutBinding(ctx, &keys.Binding{Identity: "click:new", LastIssuedKey: fresh.Key, LastIssuedAt: now.Add(-time.Hour)}))

	require.NoError(t, s.CreateSession(ctx, &keys.Session{Token: "expired", Key: old.Key, Device: "HW1", CreatedAt: Base, ExpiresAt: Base.Add(5 * time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, &keys.Session{Token: "live", Key: fresh.Key, Device: "HW2", CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute)}))

	n, err := s.PurgeBindings(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PurgeKeys(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.PurgeSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	b, err := s.FindBinding(ctx, "click:old")
	require.NoError(t, err)
	assert.Nil(t, b)
	b, err = s.FindBinding(ctx, "click:new")
	require.NoError(t, err)
	assert.NotNil(t, b)

	_, err = s.GetKey(ctx, old.Key)
	assert.ErrorIs(t, err, keys.ErrNotFound)
	_, err = s.GetKey(ctx, fresh.Key)
	assert.NoError(t, err)

	_, err = s.GetSession(ctx, "expired")
	assert.ErrorIs(t, err, keys.ErrSessionNotFound)
	_, err = s.GetSession(ctx, "live")
	assert.NoError(t, err)

	// a second pass finds nothing left to remove
	n, err = s.PurgeBindings(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testStats(t *testing.T, s keystore.Store) {
	ctx := context.Background()

	empty, err := s.Stats(ctx, Base, 10)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalKeys)
	assert.Empty(t, empty.RecentActivations)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertKey(ctx, NewRecord(fmt.Sprintf("LL-00%02d-00", i))))
	}
	_, err = s.ModifyKey(ctx, "LL-0000-00", func(rec *keys.Record) (*keys.Record, error) {
		at := Base
		rec.BoundDevice, rec.Activated, rec.ActivatedAt = "HW1", true, &at
		return rec, nil
	})
	require.NoError(t, err)

	require.NoError(t, s.CreateSession(ctx, &keys.Session{Token: "t1", Key: "LL-0000-00", Device: "HW1", CreatedAt: Base, ExpiresAt: Base.Add(5 * time.Minute)}))
	require.NoError(t, s.CreateSession(ctx, &keys.Session{Token: "t2", Key: "LL-0000-00", Device: "HW1", CreatedAt: Base.Add(-time.Hour), ExpiresAt: Base.Add(-55 * time.Minute)}))
	for i := 0; i < 12; i++ {
		require.NoError(t, s.AppendActivation(ctx, &keys.ActivationEntry{
			ID: fmt.Sprintf("id-%02d", i), Key: "LL-0000-00", Device: "HW1",
			Timestamp: Base.Add(time.Duration(i) * time.Second), IP: "192.0.2.1", Kind: keys.KindActivation,
		}))
	}

	st, err := s.Stats(ctx, Base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalKeys)
	assert.Equal(t, int64(1), st.UsedKeys)
	assert.Equal(t, int64(1), st.ActiveSessions)
	assert.Equal(t, int64(2), st.TotalSessions)
	assert.Equal(t, int64(12), st.TotalActivations)
	assert.Equal(t, int64(3), st.TotalGenerations)
	require.Len(t, st.RecentActivations, 10)
	assert.Equal(t, "id-11", st.RecentActivations[0].ID)
}
