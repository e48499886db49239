package gormstore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/keys"
	"keygate/internal/keystore"
	"keygate/internal/keystore/storetest"
)

var dbSeq atomic.Int64

func newSQLiteStoreForTest(t *testing.T) *Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, dbSeq.Add(1))
	s, err := Open(context.Background(), Config{Driver: keystore.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) keystore.Store {
		return newSQLiteStoreForTest(t)
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)
}

func TestInsertKeyLogsIssuance(t *testing.T) {
	s := newSQLiteStoreForTest(t)
	ctx := context.Background()

	require.NoError(t, s.InsertKey(ctx, storetest.NewRecord("LL-1111-11")))
	assert.ErrorIs(t, s.InsertKey(ctx, storetest.NewRecord("LL-1111-11")), keys.ErrKeyExists)

	var events []issuanceRow
	require.NoError(t, s.db.Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "LL-1111-11", events[0].Key)
	assert.Equal(t, "click:fixture", events[0].Identity)
	assert.Equal(t, "lootlabs", events[0].Service)
}

func TestModifyBindingReleasesUnusedPlaceholder(t *testing.T) {
	s := newSQLiteStoreForTest(t)
	ctx := context.Background()

	b, err := s.ModifyBinding(ctx, "fingerprint:0123456789abcdef", func(context.Context, keystore.KeyAccess, *keys.Binding) (*keys.Binding, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Nil(t, b)

	var n int64
	require.NoError(t, s.db.Model(&bindingRow{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestModifyBindingSeesTransactionalInsert(t *testing.T) {
	s := newSQLiteStoreForTest(t)
	ctx := context.Background()
	now := storetest.Base

	b, err := s.ModifyBinding(ctx, "click:tx", func(ctx context.Context, ka keystore.KeyAccess, current *keys.Binding) (*keys.Binding, error) {
		assert.Nil(t, current)
		rec := storetest.NewRecord("CEVEX-ABCD-EF")
		require.NoError(t, ka.InsertKey(ctx, rec))
		got, err := ka.GetKey(ctx, rec.Key)
		require.NoError(t, err)
		assert.Equal(t, rec.Key, got.Key)
		return &keys.Binding{LastIssuedKey: rec.Key, LastIssuedAt: now, Service: "direct"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "click:tx", b.Identity)

	_, err = s.GetKey(ctx, "CEVEX-ABCD-EF")
	assert.NoError(t, err)
}

func TestPingAfterClose(t *testing.T) {
	s := newSQLiteStoreForTest(t)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, s.Ping(ctx), keys.ErrStorageUnavailable)
}
