// Package codes issues and verifies one-time email verification codes.
//
// One code exists per (email, purpose). Issuing is throttled by a cooldown
// over the canonical key and any caller-supplied risk keys; verification
// is throttled by a lockout over wrong attempts.
package codes

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/purerosefallen/simpleuser/cache"
	"github.com/purerosefallen/simpleuser/internal/logging"
	"github.com/purerosefallen/simpleuser/internal/rate"
)

var (
	// ErrInvalidCode is returned for a missing, expired or mismatched code.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrGenerationFailed is returned when the generator fails. The cause is logged, not returned.
	ErrGenerationFailed = errors.New("verification code generation failed")
)

// GenerateFunc produces and delivers a code for (email, purpose).
type GenerateFunc func(ctx context.Context, email, purpose string) (string, error)

// Config holds the code timings. Zero Cooldown disables issue throttling;
// zero MaxAttempts or zero Lockout disables attempt lockout.
type Config struct {
	Validity    time.Duration
	Cooldown    time.Duration
	MaxAttempts int
	Lockout     time.Duration
}

// Record is the cached code.
type Record struct {
	Email    string `json:"email"`
	Purpose  string `json:"purpose"`
	Code     string `json:"code"`
	SentTime int64  `json:"sentTime"`
}

// Engine implements issue and verify over a cache.Store.
type Engine struct {
	store    cache.Store
	generate GenerateFunc
	config   Config
	attempts *rate.Window
	now      func() time.Time
	log      logging.Logger
}

// New builds an Engine.
func New(store cache.Store, generate GenerateFunc, cfg Config, now func() time.Time, log logging.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Engine{
		store:    store,
		generate: generate,
		config:   cfg,
		attempts: rate.NewWindow(store, cache.KindCodeAttempt, rate.Config{
			MaxAttempts: cfg.MaxAttempts,
			Period:      cfg.Lockout,
		}, now),
		now: now,
		log: log.With("component", "codes"),
	}
}

// Key is the canonical cache key of the code for (email, purpose).
func Key(email, purpose string) string {
	return "email:" + email + ":" + purpose
}

func attemptsDim(email, purpose string) string {
	return rate.Dimension("attempts", email) + purpose + ":"
}

// Issue checks the cooldown, generates a code and stores it.
//
// The record is stored under the canonical key for Validity and mirrored
// under every risk key for Cooldown, so a burst of requests from one
// address or client session is throttled across emails.
func (e *Engine) Issue(ctx context.Context, email, purpose string, riskKeys ...string) error {
	if err := e.checkCooldown(ctx, append([]string{Key(email, purpose)}, riskKeys...)); err != nil {
		return err
	}

	code, err := e.generate(ctx, email, purpose)
	if err != nil {
		e.log.Error(ctx, "generate verification code", "email", email, "purpose", purpose, "err", err)
		return ErrGenerationFailed
	}

	rec := Record{Email: email, Purpose: purpose, Code: code, SentTime: e.now().UnixMilli()}
	if err := e.store.Set(ctx, cache.KindCode, Key(email, purpose), rec, e.config.Validity); err != nil {
		return fmt.Errorf("store verification code: %w", err)
	}

	if e.config.Cooldown <= 0 {
		return nil
	}
	for _, k := range riskKeys {
		if k == "" {
			continue
		}
		if err := e.store.Set(ctx, cache.KindCode, k, rec, e.config.Cooldown); err != nil {
			return fmt.Errorf("store code cooldown: %w", err)
		}
	}
	return nil
}

func (e *Engine) checkCooldown(ctx context.Context, keys []string) error {
	if e.config.Cooldown <= 0 {
		return nil
	}

	var (
		hit     bool
		maxWait time.Duration
	)
	now := e.now()
	for _, k := range keys {
		if k == "" {
			continue
		}
		var rec Record
		ok, err := e.store.Get(ctx, cache.KindCode, k, &rec)
		if errors.Is(err, cache.ErrCorruptEntry) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read code cooldown: %w", err)
		}
		if !ok {
			continue
		}
		elapsed := now.Sub(time.UnixMilli(rec.SentTime))
		if elapsed >= e.config.Cooldown {
			continue
		}
		hit = true
		if wait := e.config.Cooldown - elapsed; wait > maxWait {
			maxWait = wait
		}
	}

	if hit {
		return rate.RateLimited(maxWait)
	}
	return nil
}

// Verify checks code for (email, purpose).
//
// A locked pair fails with a TooManyAttempts wait error before the code is
// compared. A wrong or missing code records an attempt. On a match the
// attempts are cleared and, when consume is set, the code is taken; of
// several concurrent consumers only one succeeds.
func (e *Engine) Verify(ctx context.Context, email, purpose, code string, consume bool) error {
	dim := attemptsDim(email, purpose)
	if err := e.attempts.Check(ctx, dim); err != nil {
		return err
	}

	var rec Record
	ok, err := e.store.Get(ctx, cache.KindCode, Key(email, purpose), &rec)
	if err != nil && !errors.Is(err, cache.ErrCorruptEntry) {
		return fmt.Errorf("read verification code: %w", err)
	}

	if !ok || code == "" || subtle.ConstantTimeCompare([]byte(rec.Code), []byte(code)) != 1 {
		if err := e.attempts.Record(ctx, dim); err != nil {
			return err
		}
		return ErrInvalidCode
	}

	if consume {
		// a concurrent verifier may have taken it since the read
		var taken Record
		ok, err := e.store.Take(ctx, cache.KindCode, Key(email, purpose), &taken)
		if err != nil && !errors.Is(err, cache.ErrCorruptEntry) {
			return fmt.Errorf("consume verification code: %w", err)
		}
		if !ok || subtle.ConstantTimeCompare([]byte(taken.Code), []byte(code)) != 1 {
			return ErrInvalidCode
		}
	}
	if err := e.attempts.Reset(ctx, dim); err != nil {
		e.log.Warn(ctx, "clear code attempts", "email", email, "purpose", purpose, "err", err)
	}
	return nil
}

// AttemptCount returns the live wrong attempts for (email, purpose).
func (e *Engine) AttemptCount(ctx context.Context, email, purpose string) (int, error) {
	return e.attempts.Count(ctx, attemptsDim(email, purpose))
}
