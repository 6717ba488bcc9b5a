package simpleuser

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/purerosefallen/simpleuser/cache"
	"github.com/purerosefallen/simpleuser/internal/codes"
	"github.com/purerosefallen/simpleuser/internal/logging"
	"github.com/purerosefallen/simpleuser/internal/rate"
	"github.com/purerosefallen/simpleuser/password"
	"github.com/purerosefallen/simpleuser/session"
	"github.com/purerosefallen/simpleuser/userstore"
	"github.com/redis/go-redis/v9"
)

// Builder assembles an Engine. A Builder is single-use.
type Builder struct {
	config Config

	redis     redis.UniversalClient
	cache     cache.Store
	users     *userstore.Store
	generator CodeGenerator
	hooks     Hooks
	logger    *slog.Logger
	auditSink AuditSink
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithRedis backs the cache with client, namespaced by Config.Cache.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithCacheStore uses store directly and takes precedence over WithRedis.
func (b *Builder) WithCacheStore(store cache.Store) *Builder {
	b.cache = store
	return b
}

func (b *Builder) WithUserStore(store *userstore.Store) *Builder {
	b.users = store
	return b
}

// WithCodeGenerator sets the collaborator that creates and delivers codes.
func (b *Builder) WithCodeGenerator(g CodeGenerator) *Builder {
	b.generator = g
	return b
}

func (b *Builder) WithHooks(h Hooks) *Builder {
	b.hooks = h
	return b
}

// WithLogger routes engine logs to l. Logs are discarded by default.
func (b *Builder) WithLogger(l *slog.Logger) *Builder {
	b.logger = l
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock replaces time.Now for every time-dependent decision.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires the engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := b.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := b.cache
	if store == nil {
		if b.redis == nil {
			return nil, errors.New("redis client or cache store required")
		}
		store = cache.NewRedisStore(b.redis, cache.RedisConfig{
			Namespace: cfg.Cache.Namespace,
			LockLease: cfg.Cache.LockLease,
		})
	}

	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.generator == nil {
		return nil, errors.New("code generator required")
	}

	now := b.clock
	if now == nil {
		now = time.Now
	}

	log := logging.Logger(logging.NewSlogLogger(b.logger))

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
		MinLength:   cfg.Password.MinLength,
	})
	if err != nil {
		return nil, err
	}

	generator := b.generator
	engine := &Engine{
		config:       cfg,
		cache:        store,
		users:        b.users,
		hooks:        b.hooks,
		passwordHash: ph,
		now:          now,
		log:          log,
	}
	engine.codes = codes.New(store, func(ctx context.Context, email, purpose string) (string, error) {
		return generator.Generate(ctx, email, CodePurpose(purpose))
	}, codes.Config{
		Validity:    cfg.Code.Validity,
		Cooldown:    cfg.Code.Cooldown,
		MaxAttempts: cfg.Code.MaxAttempts,
		Lockout:     cfg.Code.Lockout,
	}, now, log)
	engine.passwordRisk = rate.NewWindow(store, cache.KindPasswordFailure, rate.Config{
		MaxAttempts: cfg.Password.MaxAttempts,
		Period:      cfg.Password.Lockout,
	}, now)
	engine.sessions = session.NewManager(store, session.Config{TTL: cfg.Session.LoginExpiry}, now)
	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink, log.With("component", "audit"))
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
