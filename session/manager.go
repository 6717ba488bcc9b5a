package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/purerosefallen/simpleuser/cache"
	"github.com/purerosefallen/simpleuser/internal"
)

// ErrTokenGeneration is returned when secure random material is unavailable.
var ErrTokenGeneration = errors.New("session token generation failed")

// Config holds session tuning.
type Config struct {
	// TTL is the lifetime of every token. It must be positive.
	TTL time.Duration
}

// Issued describes a freshly created session.
type Issued struct {
	Token     string
	ExpiresAt time.Time
	UserID    int64
}

type record struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
}

type emailRecord struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

// Manager maps tokens to user ids.
type Manager struct {
	store  cache.Store
	config Config
	now    func() time.Time
}

// NewManager builds a Manager over store.
func NewManager(store cache.Store, cfg Config, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: store, config: cfg, now: now}
}

func emailPrefix(email string) string {
	return email + ":"
}

// Issue creates a session for userID. A non-empty email also records the
// reverse index entry used by RevokeAllForEmail.
func (m *Manager) Issue(ctx context.Context, userID int64, email string) (Issued, error) {
	token, err := internal.NewSessionToken()
	if err != nil {
		return Issued{}, fmt.Errorf("%w: %v", ErrTokenGeneration, err)
	}

	if err := m.store.Set(ctx, cache.KindSession, token, record{Token: token, UserID: userID}, m.config.TTL); err != nil {
		return Issued{}, fmt.Errorf("store session: %w", err)
	}
	if email != "" {
		if err := m.store.Set(ctx, cache.KindSessionByEmail, emailPrefix(email)+token, emailRecord{Token: token, Email: email}, m.config.TTL); err != nil {
			return Issued{}, fmt.Errorf("index session: %w", err)
		}
	}

	return Issued{
		Token:     token,
		ExpiresAt: m.now().Add(m.config.TTL),
		UserID:    userID,
	}, nil
}

// Lookup resolves token to a user id. Unknown, expired or malformed tokens
// report ok=false without error.
func (m *Manager) Lookup(ctx context.Context, token string) (int64, bool, error) {
	if !internal.IsSessionTokenShape(token) {
		return 0, false, nil
	}

	var rec record
	ok, err := m.store.Get(ctx, cache.KindSession, token, &rec)
	if errors.Is(err, cache.ErrCorruptEntry) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load session: %w", err)
	}
	if !ok || rec.UserID == 0 {
		return 0, false, nil
	}
	return rec.UserID, true, nil
}

// Revoke deletes one session. email, when known, also drops the index entry.
func (m *Manager) Revoke(ctx context.Context, token, email string) error {
	if !internal.IsSessionTokenShape(token) {
		return nil
	}
	if err := m.store.Delete(ctx, cache.KindSession, token); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if email != "" {
		if err := m.store.Delete(ctx, cache.KindSessionByEmail, emailPrefix(email)+token); err != nil {
			return fmt.Errorf("revoke session index: %w", err)
		}
	}
	return nil
}

// ListForEmail returns the live tokens indexed under email.
func (m *Manager) ListForEmail(ctx context.Context, email string) ([]string, error) {
	if email == "" {
		return nil, nil
	}
	entries, err := m.store.ListByPrefix(ctx, cache.KindSessionByEmail, emailPrefix(email))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	tokens := make([]string, 0, len(entries))
	for _, e := range entries {
		var rec emailRecord
		if err := e.Decode(&rec); err != nil || rec.Token == "" {
			// the key still carries the token
			rec.Token = strings.TrimPrefix(e.Key, emailPrefix(email))
		}
		tokens = append(tokens, rec.Token)
	}
	return tokens, nil
}

// RevokeAllForEmail deletes every session indexed under email and clears
// the index. It returns the number of sessions revoked.
func (m *Manager) RevokeAllForEmail(ctx context.Context, email string) (int, error) {
	tokens, err := m.ListForEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	for _, token := range tokens {
		if err := m.store.Delete(ctx, cache.KindSession, token); err != nil {
			return 0, fmt.Errorf("revoke session: %w", err)
		}
	}
	if len(tokens) > 0 {
		if err := m.store.ClearByPrefix(ctx, cache.KindSessionByEmail, emailPrefix(email)); err != nil {
			return 0, fmt.Errorf("clear session index: %w", err)
		}
	}
	return len(tokens), nil
}

// MoveEmail re-indexes the live sessions of from under to, so they stay
// reachable by RevokeAllForEmail after an email change. Index entries get
// a full TTL; an entry outliving its session is harmless.
func (m *Manager) MoveEmail(ctx context.Context, from, to string) (int, error) {
	if from == "" || to == "" || from == to {
		return 0, nil
	}
	tokens, err := m.ListForEmail(ctx, from)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, token := range tokens {
		if _, ok, err := m.Lookup(ctx, token); err != nil {
			return moved, err
		} else if !ok {
			continue
		}
		if err := m.store.Set(ctx, cache.KindSessionByEmail, emailPrefix(to)+token, emailRecord{Token: token, Email: to}, m.config.TTL); err != nil {
			return moved, fmt.Errorf("index session: %w", err)
		}
		moved++
	}
	if len(tokens) > 0 {
		if err := m.store.ClearByPrefix(ctx, cache.KindSessionByEmail, emailPrefix(from)); err != nil {
			return moved, fmt.Errorf("clear session index: %w", err)
		}
	}
	return moved, nil
}
