package simpleuser

import (
	"time"

	"github.com/purerosefallen/simpleuser/cache"
	"github.com/purerosefallen/simpleuser/internal/codes"
	"github.com/purerosefallen/simpleuser/internal/logging"
	"github.com/purerosefallen/simpleuser/internal/rate"
	"github.com/purerosefallen/simpleuser/password"
	"github.com/purerosefallen/simpleuser/session"
	"github.com/purerosefallen/simpleuser/userstore"
)

// Engine resolves request identities and runs the account lifecycle.
// It is safe for concurrent use once built.
type Engine struct {
	config       Config
	cache        cache.Store
	users        *userstore.Store
	codes        *codes.Engine
	passwordRisk *rate.Window
	sessions     *session.Manager
	passwordHash *password.Argon2
	hooks        Hooks
	audit        *auditDispatcher
	metrics      *Metrics
	now          func() time.Time
	log          logging.Logger
}

// Close flushes pending audit events.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	if e == nil {
		return Config{}
	}
	return e.config
}

// Users exposes the user store, e.g. for hooks that need their own queries.
func (e *Engine) Users() *userstore.Store {
	if e == nil {
		return nil
	}
	return e.users
}

// AuditDropped returns how many audit events were lost to backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the engine counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	var m *Metrics
	if e != nil {
		m = e.metrics
	}
	return m.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() error {
	if e == nil || e.users == nil || e.sessions == nil || e.codes == nil {
		return ErrEngineNotReady
	}
	return nil
}

// cutoff is the unregister time before which an account is purged.
func (e *Engine) cutoff() time.Time {
	return e.now().Add(-e.config.Account.UnregisterGrace)
}

func (e *Engine) expired(u *User) bool {
	return u.Expired(e.now(), e.config.Account.UnregisterGrace)
}
