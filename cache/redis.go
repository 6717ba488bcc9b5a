package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultNamespace   = "simpleuser"
	defaultLockLease   = 30 * time.Second
	defaultLockBackoff = 10 * time.Millisecond
	maxLockBackoff     = 250 * time.Millisecond
	scanBatch          = 256
)

const releaseLockScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var releaseLockLua = redis.NewScript(releaseLockScript)

// RedisConfig tunes a RedisStore. Zero values fall back to defaults.
type RedisConfig struct {
	// Namespace prefixes every key ("<namespace>:<kind>:<key>").
	Namespace string
	// LockLease bounds how long a crashed holder can keep a lock.
	LockLease time.Duration
	// LockBackoff is the first wait between acquisition attempts; it doubles
	// up to an internal ceiling.
	LockBackoff time.Duration
}

// RedisStore implements Store on top of go-redis.
//
// Locks are SET NX PX entries owned by a random token and released with a
// compare-and-delete script, so a holder whose lease already expired never
// releases a lock re-acquired by someone else.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	lease     time.Duration
	backoff   time.Duration
}

// NewRedisStore builds a store over client.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	s := &RedisStore{
		client:    client,
		namespace: strings.TrimSuffix(cfg.Namespace, ":"),
		lease:     cfg.LockLease,
		backoff:   cfg.LockBackoff,
	}
	if s.namespace == "" {
		s.namespace = defaultNamespace
	}
	if s.lease <= 0 {
		s.lease = defaultLockLease
	}
	if s.backoff <= 0 {
		s.backoff = defaultLockBackoff
	}
	return s
}

func (s *RedisStore) key(kind, key string) string {
	return s.namespace + ":" + kind + ":" + key
}

func (s *RedisStore) lockKey(name string) string {
	return s.namespace + ":lock:" + name
}

// Set stores value as JSON under (kind, key).
func (s *RedisStore) Set(ctx context.Context, kind, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s entry: %w", kind, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(kind, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get decodes the entry into out and reports whether it existed.
func (s *RedisStore) Get(ctx context.Context, kind, key string, out any) (bool, error) {
	raw, err := s.client.Get(ctx, s.key(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Join(ErrCorruptEntry, err)
	}
	return true, nil
}

// Delete removes a single entry. Missing entries are not an error.
func (s *RedisStore) Delete(ctx context.Context, kind, key string) error {
	if err := s.client.Del(ctx, s.key(kind, key)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Take decodes the entry into out and deletes it atomically (GETDEL).
func (s *RedisStore) Take(ctx context.Context, kind, key string, out any) (bool, error) {
	raw, err := s.client.GetDel(ctx, s.key(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, errors.Join(ErrCorruptEntry, err)
	}
	return true, nil
}

// ListByPrefix returns every live entry of kind whose key starts with prefix.
// Entries that expire between the scan and the read are skipped.
func (s *RedisStore) ListByPrefix(ctx context.Context, kind, prefix string) ([]Entry, error) {
	keys, err := s.scan(ctx, kind, prefix)
	if err != nil || len(keys) == 0 {
		return nil, err
	}

	cmds := make([]*redis.StringCmd, len(keys))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = pipe.Get(ctx, k)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	base := len(s.key(kind, ""))
	entries := make([]Entry, 0, len(keys))
	for i, cmd := range cmds {
		raw, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		entries = append(entries, Entry{Key: keys[i][base:], Value: json.RawMessage(raw)})
	}
	return entries, nil
}

// ClearByPrefix deletes every entry of kind whose key starts with prefix.
func (s *RedisStore) ClearByPrefix(ctx context.Context, kind, prefix string) error {
	keys, err := s.scan(ctx, kind, prefix)
	if err != nil || len(keys) == 0 {
		return err
	}

	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, k)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// WithLock runs fn while holding the named lock.
func (s *RedisStore) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	key := s.lockKey(name)
	owner := uuid.NewString()

	wait := s.backoff
	for {
		ok, err := s.client.SetNX(ctx, key, owner, s.lease).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("acquire lock %q: %w", name, ctx.Err())
		case <-timer.C:
		}
		if wait *= 2; wait > maxLockBackoff {
			wait = maxLockBackoff
		}
	}

	defer func() {
		// release must run even when ctx was cancelled inside fn
		_ = releaseLockLua.Run(context.WithoutCancel(ctx), s.client, []string{key}, owner).Err()
	}()

	return fn(ctx)
}

func (s *RedisStore) scan(ctx context.Context, kind, prefix string) ([]string, error) {
	match := escapeGlob(s.key(kind, prefix)) + "*"

	var (
		mu   sync.Mutex
		keys []string
	)
	scanNode := func(ctx context.Context, c redis.UniversalClient) error {
		var found []string
		iter := c.Scan(ctx, 0, match, scanBatch).Iterator()
		for iter.Next(ctx) {
			found = append(found, iter.Val())
		}
		mu.Lock()
		keys = append(keys, found...)
		mu.Unlock()
		return iter.Err()
	}

	var err error
	if cluster, ok := s.client.(*redis.ClusterClient); ok {
		// one SCAN per master; ForEachMaster runs them concurrently
		err = cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return scanNode(ctx, node)
		})
	} else {
		err = scanNode(ctx, s.client)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return keys, nil
}

func escapeGlob(s string) string {
	if !strings.ContainsAny(s, `*?[]\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
