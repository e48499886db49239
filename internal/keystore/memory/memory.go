// Package memory is the in-process keystore backend used by tests and
// single-instance deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

// Store keeps every record in maps guarded by a single RWMutex. Read-modify-write
// sequences are additionally serialised per identity and per key.
type Store struct {
	mu          sync.RWMutex
	records     map[string]*keys.Record
	bindings    map[string]*keys.Binding
	sessions    map[string]*keys.Session
	activations []keys.ActivationEntry
	generations int64

	identityLocks *keystore.KeyedMutex
	keyLocks      *keystore.KeyedMutex
}

var _ keystore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records:       make(map[string]*keys.Record),
		bindings:      make(map[string]*keys.Binding),
		sessions:      make(map[string]*keys.Session),
		identityLocks: keystore.NewKeyedMutex(),
		keyLocks:      keystore.NewKeyedMutex(),
	}
}

// GetKey returns a copy of the record or keys.ErrNotFound.
func (s *Store) GetKey(_ context.Context, key string) (*keys.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, keys.ErrNotFound
	}
	return keystore.CloneRecord(rec), nil
}

// InsertKey stores rec unless the key is taken.
func (s *Store) InsertKey(_ context.Context, rec *keys.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; ok {
		return keys.ErrKeyExists
	}
	s.records[rec.Key] = keystore.CloneRecord(rec)
	s.generations++
	return nil
}

// PutKey inserts or overwrites rec.
func (s *Store) PutKey(_ context.Context, rec *keys.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Key] = keystore.CloneRecord(rec)
	return nil
}

// DeleteKey removes a record; deleting a missing key is not an error.
func (s *Store) DeleteKey(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// ModifyKey applies fn while holding the per-key lock.
func (s *Store) ModifyKey(ctx context.Context, key string, fn keystore.KeyFunc) (*keys.Record, error) {
	unlock := s.keyLocks.Lock(key)
	defer unlock()

	current, err := s.GetKey(ctx, key)
	if err != nil {
		return nil, err
	}
	next, err := fn(keystore.CloneRecord(current))
	if err != nil {
		return current, err
	}
	if next == nil {
		return current, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// the sweeper may have dropped the record meanwhile
	if _, ok := s.records[key]; !ok {
		return nil, keys.ErrNotFound
	}
	s.records[key] = keystore.CloneRecord(next)
	return keystore.CloneRecord(next), nil
}

// FindBinding returns the binding for identity or nil.
func (s *Store) FindBinding(_ context.Context, identity string) (*keys.Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return keystore.CloneBinding(s.bindings[identity]), nil
}

// PutBinding inserts or overwrites b.
func (s *Store) PutBinding(_ context.Context, b *keys.Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.Identity] = keystore.CloneBinding(b)
	return nil
}

// DeleteBinding removes the binding for identity.
func (s *Store) DeleteBinding(_ context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, identity)
	return nil
}

// ModifyBinding applies fn while holding the per-identity lock.
func (s *Store) ModifyBinding(ctx context.Context, identity string, fn keystore.BindingFunc) (*keys.Binding, error) {
	unlock := s.identityLocks.Lock(identity)
	defer unlock()

	current, err := s.FindBinding(ctx, identity)
	if err != nil {
		return nil, err
	}
	next, err := fn(ctx, s, current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}
	next.Identity = identity
	if err := s.PutBinding(ctx, next); err != nil {
		return nil, err
	}
	return keystore.CloneBinding(next), nil
}

// CreateSession stores a session token.
func (s *Store) CreateSession(_ context.Context, sess *keys.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.Token] = &cp
	return nil
}

// GetSession returns the session or keys.ErrSessionNotFound.
func (s *Store) GetSession(_ context.Context, token string) (*keys.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil, keys.ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// AppendActivation appends to the audit log.
func (s *Store) AppendActivation(_ context.Context, e *keys.ActivationEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activations = append(s.activations, *e)
	return nil
}

// ListActivations returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) ListActivations(_ context.Context, limit int) ([]keys.ActivationEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentLocked(limit), nil
}

func (s *Store) recentLocked(limit int) []keys.ActivationEntry {
	n := len(s.activations)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]keys.ActivationEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.activations[i])
	}
	return out
}

// PurgeBindings drops bindings last issued before the cutoff.
func (s *Store) PurgeBindings(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, b := range s.bindings {
		if b.LastIssuedAt.Before(before) {
			delete(s.bindings, id)
			removed++
		}
	}
	return removed, nil
}

// PurgeKeys drops records that expired before the cutoff.
func (s *Store) PurgeKeys(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, rec := range s.records {
		if rec.ExpiresAt.Before(before) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

// PurgeSessions drops sessions expired at now.
func (s *Store) PurgeSessions(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for token, sess := range s.sessions {
		if !sess.Valid(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed, nil
}

// Stats counts records under a read lock.
func (s *Store) Stats(_ context.Context, now time.Time, recent int) (*keys.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &keys.Stats{
		TotalKeys:        int64(len(s.records)),
		TotalSessions:    int64(len(s.sessions)),
		TotalActivations: int64(len(s.activations)),
		TotalGenerations: s.generations,
	}
	for _, rec := range s.records {
		if rec.Activated {
			st.UsedKeys++
		}
	}
	for _, sess := range s.sessions {
		if sess.Valid(now) {
			st.ActiveSessions++
		}
	}
	st.RecentActivations = s.recentLocked(recent)
	return st, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }
