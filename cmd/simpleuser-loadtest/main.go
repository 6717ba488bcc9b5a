// Command simpleuser-loadtest drives concurrent first-contact and token
// resolution against an engine and reports latency percentiles. It exits
// non-zero when any client session ends up with more than one user.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/purerosefallen/simpleuser"
	"github.com/purerosefallen/simpleuser/mailer"
	"github.com/purerosefallen/simpleuser/userstore"
	"github.com/redis/go-redis/v9"
)

const loadtestCode = "000000"

func main() {
	var (
		clients     = flag.Int("clients", 2000, "number of distinct client sessions")
		burst       = flag.Int("burst", 8, "concurrent first-contact requests per client session")
		accounts    = flag.Int("accounts", 200, "number of registered accounts for the token phase")
		concurrency = flag.Int("concurrency", 64, "number of concurrent workers")
		ops         = flag.Int("ops", 50000, "token resolutions to perform")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		dbDriver    = flag.String("db-driver", "sqlite", "user store driver (sqlite or pgx)")
		dbDSN       = flag.String("db-dsn", "", "user store DSN; defaults to an in-memory sqlite database")
	)
	flag.Parse()

	if *clients <= 0 || *burst <= 0 || *accounts <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "clients, burst, accounts, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	dsn := *dbDSN
	if dsn == "" {
		dsn = "file:loadtest?mode=memory&cache=shared"
	}
	users, err := userstore.Open(ctx, *dbDriver, dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open user store: %v\n", err)
		os.Exit(1)
	}
	defer users.Close()
	if err := users.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	cfg := simpleuser.DefaultConfig()
	cfg.Code.Cooldown = 0
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine, err := simpleuser.New().
		WithConfig(cfg).
		WithRedis(client).
		WithUserStore(users).
		WithCodeGenerator(mailer.NewFixedCode(loadtestCode, quiet)).
		WithLogger(quiet).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	runID := time.Now().UnixNano()
	firstContact := runFirstContactPhase(ctx, engine, runID, *clients, *burst, *concurrency)

	dupes, err := countDuplicates(ctx, users, runID, *clients)
	if err != nil {
		fmt.Fprintf(os.Stderr, "count users: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("registering %d accounts...\n", *accounts)
	startSeed := time.Now()
	tokens, err := registerAccounts(ctx, engine, runID, *accounts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("registered in %s\n", time.Since(startSeed).Round(time.Millisecond))

	tokenStats := runTokenPhase(ctx, engine, tokens, *ops, *concurrency)

	fmt.Println("---- results ----")
	printStats("first-contact", firstContact)
	printStats("token", tokenStats)
	fmt.Printf("duplicate anonymous users: %d\n", dupes)
	if dupes > 0 {
		os.Exit(1)
	}
}

// runFirstContactPhase fires burst concurrent resolves at every fresh
// client session.
func runFirstContactPhase(ctx context.Context, engine *simpleuser.Engine, runID int64, clients, burst, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		total     = clients * burst
		latencies = make([]time.Duration, 0, total)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= total {
					return
				}
				// consecutive requests share a client so bursts overlap
				idx := i / burst
				t0 := time.Now()
				_, err := engine.ResolveUser(ctx, simpleuser.UserContext{
					SSAID: ssaidFor(runID, idx),
					IP:    ipFor(idx),
				})
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func countDuplicates(ctx context.Context, users *userstore.Store, runID int64, clients int) (int64, error) {
	var dupes int64
	for i := 0; i < clients; i++ {
		n, err := users.Count(ctx, ssaidFor(runID, i))
		if err != nil {
			return 0, err
		}
		if n > 1 {
			dupes += n - 1
		}
	}
	return dupes, nil
}

func registerAccounts(ctx context.Context, engine *simpleuser.Engine, runID int64, n int) ([]string, error) {
	tokens := make([]string, 0, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("load-%d-%d@example.com", runID, i)
		risk := simpleuser.RiskContext{SSAID: fmt.Sprintf("acct-%d-%d", runID, i), IP: ipFor(i)}
		if err := engine.SendCode(ctx, email, simpleuser.PurposeLogin, risk); err != nil {
			return nil, fmt.Errorf("send code to %s: %w", email, err)
		}
		res, err := engine.Login(ctx, simpleuser.LoginRequest{Email: email, Code: loadtestCode}, risk)
		if err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		tokens = append(tokens, res.Token)
	}
	return tokens, nil
}

func runTokenPhase(ctx context.Context, engine *simpleuser.Engine, tokens []string, ops, concurrency int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				idx := r.Intn(len(tokens))
				t0 := time.Now()
				_, err := engine.ResolveUser(ctx, simpleuser.UserContext{Token: tokens[idx], IP: ipFor(idx)})
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func ssaidFor(runID int64, i int) string {
	return fmt.Sprintf("load-%d-%d", runID, i)
}

func ipFor(i int) string {
	return fmt.Sprintf("10.%d.%d.%d", (i>>16)&0xFF, (i>>8)&0xFF, i&0xFF)
}
