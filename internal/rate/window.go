package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/purerosefallen/simpleuser/cache"
)

// Config holds the window tuning. Zero MaxAttempts or zero Period disables
// the window: Check always passes and Record is a no-op.
type Config struct {
	MaxAttempts int
	Period      time.Duration
}

// Window counts failure records per dimension in the cache.
type Window struct {
	store  cache.Store
	kind   string
	config Config
	now    func() time.Time
}

type failure struct {
	Time int64 `json:"time"`
}

// NewWindow creates a window storing its records under kind.
func NewWindow(store cache.Store, kind string, cfg Config, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{store: store, kind: kind, config: cfg, now: now}
}

// Enabled reports whether the window enforces anything.
func (w *Window) Enabled() bool {
	return w != nil && w.config.MaxAttempts > 0 && w.config.Period > 0
}

// Check fails with a TooManyAttempts WaitError when any dimension holds
// MaxAttempts or more live failures. The wait is the largest across the
// locked dimensions.
func (w *Window) Check(ctx context.Context, dims ...string) error {
	if !w.Enabled() {
		return nil
	}

	var (
		locked  bool
		maxWait time.Duration
	)
	now := w.now()
	for _, dim := range dims {
		if dim == "" {
			continue
		}
		count, oldest, err := w.scan(ctx, dim)
		if err != nil {
			return err
		}
		if count < w.config.MaxAttempts {
			continue
		}
		locked = true
		if wait := time.UnixMilli(oldest).Add(w.config.Period).Sub(now); wait > maxWait {
			maxWait = wait
		}
	}

	if locked {
		return TooManyAttempts(maxWait)
	}
	return nil
}

// Record stores one failure for every dimension.
func (w *Window) Record(ctx context.Context, dims ...string) error {
	if !w.Enabled() {
		return nil
	}

	ts := w.now().UnixMilli()
	for _, dim := range dims {
		if dim == "" {
			continue
		}
		key := dim + strconv.FormatInt(ts, 10) + ":" + uuid.NewString()[:8]
		if err := w.store.Set(ctx, w.kind, key, failure{Time: ts}, w.config.Period); err != nil {
			return fmt.Errorf("record failure: %w", err)
		}
	}
	return nil
}

// Reset removes every failure recorded for the dimensions.
func (w *Window) Reset(ctx context.Context, dims ...string) error {
	if !w.Enabled() {
		return nil
	}
	for _, dim := range dims {
		if dim == "" {
			continue
		}
		if err := w.store.ClearByPrefix(ctx, w.kind, dim); err != nil {
			return fmt.Errorf("reset failures: %w", err)
		}
	}
	return nil
}

// Count returns the number of live failures for dim.
func (w *Window) Count(ctx context.Context, dim string) (int, error) {
	if !w.Enabled() || dim == "" {
		return 0, nil
	}
	n, _, err := w.scan(ctx, dim)
	return n, err
}

func (w *Window) scan(ctx context.Context, dim string) (int, int64, error) {
	entries, err := w.store.ListByPrefix(ctx, w.kind, dim)
	if err != nil {
		return 0, 0, fmt.Errorf("list failures: %w", err)
	}

	cutoff := w.now().Add(-w.config.Period).UnixMilli()
	var (
		count  int
		oldest int64
	)
	for _, e := range entries {
		var f failure
		if err := e.Decode(&f); err != nil {
			continue
		}
		// entries past the window are only waiting for their TTL
		if f.Time <= cutoff {
			continue
		}
		if count == 0 || f.Time < oldest {
			oldest = f.Time
		}
		count++
	}
	return count, oldest, nil
}
