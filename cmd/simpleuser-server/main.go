// Command simpleuser-server serves the user API over HTTP.
//
// Engine settings are read from SIMPLEUSER_* variables (see
// simpleuser.LoadConfigFromEnv); server settings below share the prefix.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/internal/httpapi"
	"github.com/purerosefallen/simpleuser/mailer"
	"github.com/purerosefallen/simpleuser/metrics/export/prometheus"
	"github.com/purerosefallen/simpleuser/userstore"
	"github.com/redis/go-redis/v9"
)

type serverConfig struct {
	Addr            string        `env:"ADDR" envDefault:":3000"`
	RedisURL        string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	DBDriver        string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN           string        `env:"DB_DSN" envDefault:"file:simpleuser.db?_pragma=busy_timeout(5000)"`
	TrustProxy      bool          `env:"TRUST_PROXY"`
	FixedCode       string        `env:"FIXED_CODE"`
	InitialUsers    []string      `env:"INITIAL_USERS" envSeparator:","`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" envDefault:"INFO"`

	SMTP mailer.SMTPConfig `envPrefix:"SMTP_"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var cfg serverConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: simpleuser.EnvPrefix}); err != nil {
		return fmt.Errorf("parse server env: %w", err)
	}
	engineCfg, err := simpleuser.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	seeds, err := parseInitialUsers(cfg.InitialUsers)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	users, err := userstore.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer users.Close()
	if err := users.Migrate(ctx); err != nil {
		return err
	}

	generator, err := codeGenerator(cfg, log)
	if err != nil {
		return err
	}

	engine, err := simpleuser.New().
		WithConfig(engineCfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithCodeGenerator(generator).
		WithLogger(log).
		WithAuditSink(simpleuser.NewJSONWriterSink(os.Stdout)).
		Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.SeedInitialUsers(ctx, seeds); err != nil {
		return fmt.Errorf("seed initial users: %w", err)
	}

	var metrics http.Handler
	if engineCfg.Metrics.Enabled {
		metrics = prometheus.NewPrometheusExporter(engine).Handler()
	}

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewRouter(engine, httpapi.Options{
			TrustProxy: cfg.TrustProxy,
			Metrics:    metrics,
			Logger:     log,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func codeGenerator(cfg serverConfig, log *slog.Logger) (simpleuser.CodeGenerator, error) {
	if cfg.FixedCode != "" {
		log.Warn("using a fixed verification code; do not run this in production")
		return mailer.NewFixedCode(cfg.FixedCode, log), nil
	}
	sender, err := mailer.NewSMTPCodeSender(cfg.SMTP, log)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// parseInitialUsers reads "email:password" entries. The password may be
// omitted.
func parseInitialUsers(entries []string) ([]simpleuser.InitialUser, error) {
	seeds := make([]simpleuser.InitialUser, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		email, password, _ := strings.Cut(entry, ":")
		if email == "" {
			return nil, fmt.Errorf("initial user %q: missing email", entry)
		}
		seeds = append(seeds, simpleuser.InitialUser{Email: email, Password: password})
	}
	return seeds, nil
}
