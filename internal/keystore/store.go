// Package keystore defines the storage abstraction shared by the issuer,
// verifier and sweeper, and hosts its backends (memory, redis, gormstore).
//
// Every backend guarantees two atomicity domains:
//
//	ModifyBinding  read-modify-write of one identity binding, exclusive per identity
//	ModifyKey      read-modify-write of one key record, exclusive per key
//
// Callers express a state transition as a function over the current value;
// the backend runs it with the relevant lock, transaction or optimistic retry
// and persists the returned value.
package keystore

import (
	"context"
	"time"

	"keygate/internal/keys"
)

// Store driver names
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// KeyAccess is the subset of key operations available inside a binding update.
type KeyAccess interface {
	GetKey(ctx context.Context, key string) (*keys.Record, error)
	// InsertKey stores a new record, returning keys.ErrKeyExists on collision.
	InsertKey(ctx context.Context, rec *keys.Record) error
}

// BindingFunc computes the next binding for an identity. current is nil when
// no binding exists. Returning a nil binding leaves storage unchanged.
type BindingFunc func(ctx context.Context, ka KeyAccess, current *keys.Binding) (*keys.Binding, error)

// KeyFunc computes the next state of a key record. Returning nil skips the
// write. When fn fails, ModifyKey returns the unmodified record with the error.
type KeyFunc func(rec *keys.Record) (*keys.Record, error)

// Store is the persistence contract for key records, identity bindings,
// sessions and the activation audit log.
type Store interface {
	KeyAccess

	// PutKey inserts or overwrites a record.
	PutKey(ctx context.Context, rec *keys.Record) error
	DeleteKey(ctx context.Context, key string) error
	// ModifyKey applies fn to the record under per-key exclusion.
	// It returns keys.ErrNotFound when the key does not exist.
	ModifyKey(ctx context.Context, key string, fn KeyFunc) (*keys.Record, error)

	FindBinding(ctx context.Context, identity string) (*keys.Binding, error)
	PutBinding(ctx context.Context, b *keys.Binding) error
	DeleteBinding(ctx context.Context, identity string) error
	// ModifyBinding applies fn under per-identity exclusion.
	ModifyBinding(ctx context.Context, identity string, fn BindingFunc) (*keys.Binding, error)

	CreateSession(ctx context.Context, s *keys.Session) error
	// GetSession returns keys.ErrSessionNotFound when the token is unknown.
	GetSession(ctx context.Context, token string) (*keys.Session, error)

	AppendActivation(ctx context.Context, e *keys.ActivationEntry) error
	// ListActivations returns up to limit entries, newest first.
	ListActivations(ctx context.Context, limit int) ([]keys.ActivationEntry, error)

	// PurgeBindings removes bindings issued before the cutoff.
	PurgeBindings(ctx context.Context, before time.Time) (int, error)
	// PurgeKeys removes records that expired before the cutoff.
	PurgeKeys(ctx context.Context, before time.Time) (int, error)
	// PurgeSessions removes sessions expired at now.
	PurgeSessions(ctx context.Context, now time.Time) (int, error)

	// Stats aggregates counters; recent bounds RecentActivations.
	Stats(ctx context.Context, now time.Time, recent int) (*keys.Stats, error)

	Ping(ctx context.Context) error
	Close() error
}
