// Package redisstore is the keystore backend for multi-instance deployments.
//
// Layout under the configured prefix:
//
//	<p>:key:<key>            JSON record       <p>:keys      zset scored by expiry (ms)
//	<p>:binding:<identity>   JSON binding      <p>:bindings  zset scored by last issue (ms)
//	<p>:session:<token>      JSON session      <p>:sessions  zset scored by expiry (ms)
//	<p>:keys:used            set of activated keys
//	<p>:activations          list, newest first
//	<p>:generations          counter of minted keys
//	<p>:lock:<identity>      per-identity lease
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"keygate/internal/keys"
	"keygate/internal/keystore"
)

const (
	defaultPrefix   = "keygate"
	leaseTTL        = 5 * time.Second
	leaseWait       = 5 * time.Second
	leaseRetryDelay = 5 * time.Millisecond
	maxWatchRetries = 16
)

// purgeScript removes a zset member and its payload only if its score is still
// below the cutoff, so entries refreshed since the scan survive.
var purgeScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if score and tonumber(score) < tonumber(ARGV[2]) then
  redis.call('ZREM', KEYS[1], ARGV[1])
  redis.call('DEL', KEYS[2])
  if KEYS[3] then
    redis.call('SREM', KEYS[3], ARGV[1])
  end
  return 1
end
return 0
`)

// insertScript stores a new record together with its expiry index entry and
// the generation count. Types are checked before the first write so a
// failing script leaves nothing behind. Returns 0 when the key exists.
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local idx = redis.call('TYPE', KEYS[2]).ok
if idx ~= 'none' and idx ~= 'zset' then
  return redis.error_reply('WRONGTYPE ' .. KEYS[2] .. ' is not a sorted set')
end
local gen = redis.call('GET', KEYS[3])
if gen and not tonumber(gen) then
  return redis.error_reply('WRONGTYPE ' .. KEYS[3] .. ' is not a counter')
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('INCR', KEYS[3])
return 1
`)

// releaseScript deletes the lease only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ErrLeaseTimeout is returned when a per-identity lease could not be acquired.
var ErrLeaseTimeout = errors.New("identity lease wait exceeded")

// Store implements keystore.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ keystore.Store = (*Store)(nil)

// New wraps an existing client. An empty prefix uses "keygate".
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Connect initializes a client from a redis:// URL or a host:port address.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

func (s *Store) keyKey(key string) string          { return s.prefix + ":key:" + key }
func (s *Store) bindingKey(identity string) string { return s.prefix + ":binding:" + identity }
func (s *Store) sessionKey(token string) string    { return s.prefix + ":session:" + token }
func (s *Store) lockKey(identity string) string    { return s.prefix + ":lock:" + identity }
func (s *Store) keysIndex() string                 { return s.prefix + ":keys" }
func (s *Store) usedSet() string                   { return s.prefix + ":keys:used" }
func (s *Store) bindingsIndex() string             { return s.prefix + ":bindings" }
func (s *Store) sessionsIndex() string             { return s.prefix + ":sessions" }
func (s *Store) activationsList() string           { return s.prefix + ":activations" }
func (s *Store) generationsKey() string            { return s.prefix + ":generations" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// GetKey loads a record.
func (s *Store) GetKey(ctx context.Context, key string) (*keys.Record, error) {
	return s.getKey(ctx, s.client, key)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) getKey(ctx context.Context, c getter, key string) (*keys.Record, error) {
	raw, err := c.Get(ctx, s.keyKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, keys.ErrNotFound
	}
	if err != nil {
		return nil, keys.StorageError("get key", err)
	}
	var rec keys.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode key record: %w", err)
	}
	return &rec, nil
}

// InsertKey stores, indexes and counts rec in one script.
func (s *Store) InsertKey(ctx context.Context, rec *keys.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	n, err := insertScript.Run(ctx, s.client,
		[]string{s.keyKey(rec.Key), s.keysIndex(), s.generationsKey()},
		payload, rec.ExpiresAt.UnixMilli(), rec.Key,
	).Int()
	if err != nil {
		return keys.StorageError("insert key", err)
	}
	if n == 0 {
		return keys.ErrKeyExists
	}
	return nil
}

// PutKey inserts or overwrites rec.
func (s *Store) PutKey(ctx context.Context, rec *keys.Record) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return s.writeKey(ctx, p, rec)
	})
	return keys.StorageError("put key", err)
}

func (s *Store) writeKey(ctx context.Context, p redis.Pipeliner, rec *keys.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	p.Set(ctx, s.keyKey(rec.Key), payload, 0)
	p.ZAdd(ctx, s.keysIndex(), redis.Z{Score: score(rec.ExpiresAt), Member: rec.Key})
	if rec.Activated {
		p.SAdd(ctx, s.usedSet(), rec.Key)
	} else {
		p.SRem(ctx, s.usedSet(), rec.Key)
	}
	return nil
}

// DeleteKey removes a record and its index entries.
func (s *Store) DeleteKey(ctx context.Context, key string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.keyKey(key))
		p.ZRem(ctx, s.keysIndex(), key)
		p.SRem(ctx, s.usedSet(), key)
		return nil
	})
	return keys.StorageError("delete key", err)
}

// ModifyKey runs fn inside WATCH/MULTI and retries when another writer
// touched the record first.
func (s *Store) ModifyKey(ctx context.Context, key string, fn keystore.KeyFunc) (*keys.Record, error) {
	var (
		result *keys.Record
		fnErr  error
	)
	txf := func(tx *redis.Tx) error {
		current, err := s.getKey(ctx, tx, key)
		if err != nil {
			return err
		}
		result, fnErr = current, nil
		next, err := fn(keystore.CloneRecord(current))
		if err != nil {
			fnErr = err
			return nil
		}
		if next == nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return s.writeKey(ctx, p, next)
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, s.keyKey(key))
		switch {
		case err == nil:
			return result, fnErr
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, keys.ErrNotFound), errors.Is(err, keys.ErrStorageUnavailable):
			return nil, err
		default:
			return nil, keys.StorageError("modify key", err)
		}
	}
	return nil, keys.StorageError("modify key", redis.TxFailedErr)
}

// FindBinding returns the binding for identity or nil.
func (s *Store) FindBinding(ctx context.Context, identity string) (*keys.Binding, error) {
	raw, err := s.client.Get(ctx, s.bindingKey(identity)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, keys.StorageError("find binding", err)
	}
	var b keys.Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode binding: %w", err)
	}
	return &b, nil
}

// PutBinding inserts or overwrites b.
func (s *Store) PutBinding(ctx context.Context, b *keys.Binding) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode binding: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.bindingKey(b.Identity), payload, 0)
		p.ZAdd(ctx, s.bindingsIndex(), redis.Z{Score: score(b.LastIssuedAt), Member: b.Identity})
		return nil
	})
	return keys.StorageError("put binding", err)
}

// DeleteBinding removes the binding for identity.
func (s *Store) DeleteBinding(ctx context.Context, identity string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.bindingKey(identity))
		p.ZRem(ctx, s.bindingsIndex(), identity)
		return nil
	})
	return keys.StorageError("delete binding", err)
}

// ModifyBinding holds a per-identity lease while fn runs.
func (s *Store) ModifyBinding(ctx context.Context, identity string, fn keystore.BindingFunc) (*keys.Binding, error) {
	release, err := s.acquire(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer release()

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
	return next, nil
}

func (s *Store) acquire(ctx context.Context, identity string) (func(), error) {
	lock := s.lockKey(identity)
	token := uuid.NewString()
	deadline := time.Now().Add(leaseWait)

	for {
		ok, err := s.client.SetNX(ctx, lock, token, leaseTTL).Result()
		if err != nil {
			return nil, keys.StorageError("acquire identity lease", err)
		}
		if ok {
			return func() {
				// release on a detached context so a cancelled request still frees the lease
				_ = releaseScript.Run(context.WithoutCancel(ctx), s.client, []string{lock}, token).Err()
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, keys.StorageError("acquire identity lease", ErrLeaseTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leaseRetryDelay):
		}
	}
}

// CreateSession stores a session and indexes it by expiry.
func (s *Store) CreateSession(ctx context.Context, sess *keys.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.sessionKey(sess.Token), payload, 0)
		p.ZAdd(ctx, s.sessionsIndex(), redis.Z{Score: score(sess.ExpiresAt), Member: sess.Token})
		return nil
	})
	return keys.StorageError("create session", err)
}

// GetSession loads a session.
func (s *Store) GetSession(ctx context.Context, token string) (*keys.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, keys.ErrSessionNotFound
	}
	if err != nil {
		return nil, keys.StorageError("get session", err)
	}
	var sess keys.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &sess, nil
}

// AppendActivation pushes the entry onto the head of the audit list.
func (s *Store) AppendActivation(ctx context.Context, e *keys.ActivationEntry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode activation: %w", err)
	}
	return keys.StorageError("append activation", s.client.LPush(ctx, s.activationsList(), payload).Err())
}

// ListActivations returns up to limit entries, newest first. limit <= 0 returns all.
func (s *Store) ListActivations(ctx context.Context, limit int) ([]keys.ActivationEntry, error) {
	return s.listActivations(ctx, s.client.LRange(ctx, s.activationsList(), 0, stop(limit)))
}

func stop(limit int) int64 {
	if limit <= 0 {
		return -1
	}
	return int64(limit) - 1
}

func (s *Store) listActivations(_ context.Context, cmd *redis.StringSliceCmd) ([]keys.ActivationEntry, error) {
	raw, err := cmd.Result()
	if err != nil {
		return nil, keys.StorageError("list activations", err)
	}
	out := make([]keys.ActivationEntry, 0, len(raw))
	for _, item := range raw {
		var e keys.ActivationEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode activation: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// PurgeBindings drops bindings last issued before the cutoff.
func (s *Store) PurgeBindings(ctx context.Context, before time.Time) (int, error) {
	return s.purge(ctx, s.bindingsIndex(), score(before), s.bindingKey, "")
}

// PurgeKeys drops records that expired before the cutoff.
func (s *Store) PurgeKeys(ctx context.Context, before time.Time) (int, error) {
	return s.purge(ctx, s.keysIndex(), score(before), s.keyKey, s.usedSet())
}

// PurgeSessions drops sessions expired at now.
func (s *Store) PurgeSessions(ctx context.Context, now time.Time) (int, error) {
	// scores are whole milliseconds, so expiry <= now is expiry < now+1
	return s.purge(ctx, s.sessionsIndex(), score(now)+1, s.sessionKey, "")
}

func (s *Store) purge(ctx context.Context, index string, cutoff float64, payloadKey func(string) string, set string) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, index, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatFloat(cutoff, 'f', -1, 64),
	}).Result()
	if err != nil {
		return 0, keys.StorageError("scan "+index, err)
	}

	removed := 0
	for _, member := range members {
		scriptKeys := []string{index, payloadKey(member)}
		if set != "" {
			scriptKeys = append(scriptKeys, set)
		}
		n, err := purgeScript.Run(ctx, s.client, scriptKeys, member, cutoff).Int()
		if err != nil {
			return removed, keys.StorageError("purge "+index, err)
		}
		removed += n
	}
	return removed, nil
}

// Stats gathers all counters in one pipeline.
func (s *Store) Stats(ctx context.Context, now time.Time, recent int) (*keys.Stats, error) {
	var (
		total, used, active, sessions, activations *redis.IntCmd
		generations                                *redis.StringCmd
		latest                                     *redis.StringSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		total = p.ZCard(ctx, s.keysIndex())
		used = p.SCard(ctx, s.usedSet())
		active = p.ZCount(ctx, s.sessionsIndex(), "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf")
		sessions = p.ZCard(ctx, s.sessionsIndex())
		activations = p.LLen(ctx, s.activationsList())
		generations = p.Get(ctx, s.generationsKey())
		latest = p.LRange(ctx, s.activationsList(), 0, stop(recent))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, keys.StorageError("stats", err)
	}

	gen, err := generations.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, keys.StorageError("stats generations", err)
	}
	recentEntries, err := s.listActivations(ctx, latest)
	if err != nil {
		return nil, err
	}
	return &keys.Stats{
		TotalKeys:         total.Val(),
		UsedKeys:          used.Val(),
		ActiveSessions:    active.Val(),
		TotalSessions:     sessions.Val(),
		TotalActivations:  activations.Val(),
		TotalGenerations:  gen,
		RecentActivations: recentEntries,
	}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return keys.StorageError("ping", s.client.Ping(ctx).Err())
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}
