package simpleuser

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable read by LoadConfigFromEnv.
const EnvPrefix = "SIMPLEUSER_"

// Config holds every tunable of the engine.
//
// Config instances are intended to be configured during initialization and then treated as immutable.
type Config struct {
	Anonymous AnonymousConfig `envPrefix:"ANONYMOUS_"`
	Session   SessionConfig   `envPrefix:"SESSION_"`
	Code      CodeConfig      `envPrefix:"CODE_"`
	Password  PasswordConfig  `envPrefix:"PASSWORD_"`
	Account   AccountConfig   `envPrefix:"ACCOUNT_"`
	Cache     CacheConfig     `envPrefix:"CACHE_"`
	Audit     AuditConfig     `envPrefix:"AUDIT_"`
	Metrics   MetricsConfig   `envPrefix:"METRICS_"`
}

/*
====================================
ANONYMOUS USERS
====================================
*/

// AnonymousConfig controls first-contact users identified only by their client session id.
type AnonymousConfig struct {
	// Allowed lets a request without a token resolve to an anonymous user.
	Allowed bool `env:"ALLOWED"`
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls login tokens.
type SessionConfig struct {
	// LoginExpiry is the lifetime of every issued token.
	LoginExpiry time.Duration `env:"LOGIN_EXPIRY"`
}

/*
====================================
VERIFICATION CODES
====================================
*/

// CodeConfig controls email verification codes. A zero Cooldown disables
// issue throttling; a zero MaxAttempts or Lockout disables attempt lockout.
type CodeConfig struct {
	Validity    time.Duration `env:"VALIDITY"`
	Cooldown    time.Duration `env:"COOLDOWN"`
	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	Lockout     time.Duration `env:"LOCKOUT"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id costs and the password failure lockout.
// A zero MaxAttempts or Lockout disables the lockout.
type PasswordConfig struct {
	Memory      uint32 `env:"MEMORY"` // in KB
	Time        uint32 `env:"TIME"`
	Parallelism uint8  `env:"PARALLELISM"`
	SaltLength  uint32 `env:"SALT_LENGTH"`
	KeyLength   uint32 `env:"KEY_LENGTH"`
	MinLength   int    `env:"MIN_LENGTH"`

	MaxAttempts int           `env:"MAX_ATTEMPTS"`
	Lockout     time.Duration `env:"LOCKOUT"`
}

/*
====================================
ACCOUNT CONFIG
====================================
*/

// AccountConfig controls soft deletion.
type AccountConfig struct {
	// UnregisterGrace is how long an unregistered account stays recoverable.
	UnregisterGrace time.Duration `env:"UNREGISTER_GRACE"`
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheConfig tunes the Redis-backed cache store built by the builder.
type CacheConfig struct {
	Namespace string        `env:"NAMESPACE"`
	LockLease time.Duration `env:"LOCK_LEASE"`
}

/*
====================================
AUDIT / METRICS
====================================
*/

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `env:"ENABLED"`
	BufferSize int  `env:"BUFFER_SIZE"`
	DropIfFull bool `env:"DROP_IF_FULL"`
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool `env:"ENABLED"`
	EnableLatencyHistograms bool `env:"LATENCY_HISTOGRAMS"`
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Anonymous: AnonymousConfig{Allowed: true},
		Session:   SessionConfig{LoginExpiry: 30 * 24 * time.Hour},
		Code: CodeConfig{
			Validity:    10 * time.Minute,
			Cooldown:    time.Minute,
			MaxAttempts: 5,
			Lockout:     15 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
			MaxAttempts: 5,
			Lockout:     15 * time.Minute,
		},
		Account: AccountConfig{UnregisterGrace: 30 * 24 * time.Hour},
		Cache: CacheConfig{
			Namespace: "simpleuser",
			LockLease: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
	}
}

// LoadConfigFromEnv starts from DefaultConfig and overrides every field
// whose SIMPLEUSER_* variable is set, e.g. SIMPLEUSER_CODE_COOLDOWN=30s.
func LoadConfigFromEnv() (Config, error) {
	return loadConfig(nil)
}

func loadConfig(environ map[string]string) (Config, error) {
	cfg := DefaultConfig()
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse config env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Session.LoginExpiry <= 0 {
		return errors.New("Session LoginExpiry must be > 0")
	}

	if c.Code.Validity <= 0 {
		return errors.New("Code Validity must be > 0")
	}
	if c.Code.Cooldown < 0 {
		return errors.New("Code Cooldown must be >= 0")
	}
	if c.Code.MaxAttempts < 0 {
		return errors.New("Code MaxAttempts must be >= 0")
	}
	if c.Code.Lockout < 0 {
		return errors.New("Code Lockout must be >= 0")
	}

	if c.Password.MaxAttempts < 0 {
		return errors.New("Password MaxAttempts must be >= 0")
	}
	if c.Password.Lockout < 0 {
		return errors.New("Password Lockout must be >= 0")
	}
	if c.Password.MinLength < 0 {
		return errors.New("Password MinLength must be >= 0")
	}

	if c.Account.UnregisterGrace < 0 {
		return errors.New("Account UnregisterGrace must be >= 0")
	}

	if c.Cache.LockLease < 0 {
		return errors.New("Cache LockLease must be >= 0")
	}

	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}

	return nil
}
