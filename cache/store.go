// Package cache is the TTL key/value and named-lock store shared by the
// verification code engine, risk control and session manager.
//
// Entries are grouped by kind. Within a kind, keys are composed so that a
// family of related entries shares a prefix and can be listed or cleared
// together (for example every session token of one email).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Kinds used by the engine.
const (
	KindCode            = "code"
	KindCodeAttempt     = "code_attempt"
	KindSession         = "session"
	KindSessionByEmail  = "session_by_email"
	KindPasswordFailure = "password_failure"
)

var (
	// ErrRedisUnavailable wraps every transport-level failure of the Redis store.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrCorruptEntry is returned when a stored value cannot be decoded.
	ErrCorruptEntry = errors.New("corrupt cache entry")
)

// Entry is one listed record: its key within the kind and its raw JSON value.
type Entry struct {
	Key   string
	Value json.RawMessage
}

// Decode unmarshals the entry value into out.
func (e Entry) Decode(out any) error {
	if err := json.Unmarshal(e.Value, out); err != nil {
		return errors.Join(ErrCorruptEntry, err)
	}
	return nil
}

// Store is the contract the engine needs from its cache backend.
//
// Values are JSON encoded. A ttl of zero stores the entry without expiry.
// Take reads and deletes an entry in one step, so of several concurrent
// callers at most one sees it.
// WithLock blocks until the named lock is acquired or ctx is done; fn runs
// while the lock is held and the lock is released on every exit path.
type Store interface {
	Set(ctx context.Context, kind, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, kind, key string, out any) (bool, error)
	Delete(ctx context.Context, kind, key string) error
	Take(ctx context.Context, kind, key string, out any) (bool, error)
	ListByPrefix(ctx context.Context, kind, prefix string) ([]Entry, error)
	ClearByPrefix(ctx context.Context, kind, prefix string) error
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error
}
