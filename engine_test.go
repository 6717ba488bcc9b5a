package simpleuser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/purerosefallen/simpleuser/userstore"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// mailbox is a CodeGenerator that hands out a fixed code and remembers
// what was sent.
type mailbox struct {
	mu    sync.Mutex
	code  string
	err   error
	sent  map[string]string
	calls int
}

func newMailbox(code string) *mailbox {
	return &mailbox{code: code, sent: map[string]string{}}
}

func (m *mailbox) Generate(_ context.Context, email string, purpose CodePurpose) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return "", m.err
	}
	m.sent[email+"/"+string(purpose)] = m.code
	return m.code, nil
}

func (m *mailbox) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type testEnv struct {
	engine *Engine
	users  *userstore.Store
	mr     *miniredis.Miniredis
	clock  *fakeClock
	mail   *mailbox
}

func (env *testEnv) advance(d time.Duration) {
	env.clock.Advance(d)
	env.mr.FastForward(d)
}

var testDBSeq int64

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.KeyLength = 16
	return cfg
}

type envOption func(*Builder)

func withHooks(h Hooks) envOption {
	return func(b *Builder) { b.WithHooks(h) }
}

func withAuditSink(sink AuditSink) envOption {
	return func(b *Builder) { b.WithAuditSink(sink) }
}

func newTestEnv(t testing.TB, mutate func(*Config), opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dsn := fmt.Sprintf("file:engine_%d?mode=memory&cache=shared", atomic.AddInt64(&testDBSeq, 1))
	users, err := userstore.Open(ctx, "sqlite", dsn)
	if err != nil {
		t.Fatalf("open user store: %v", err)
	}
	t.Cleanup(func() { _ = users.Close() })
	if err := users.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	clock := &fakeClock{t: time.Now().Truncate(time.Millisecond)}
	mail := newMailbox("123456")

	b := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(users).
		WithCodeGenerator(mail).
		WithClock(clock.Now)
	for _, opt := range opts {
		opt(b)
	}
	engine, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)

	return &testEnv{engine: engine, users: users, mr: mr, clock: clock, mail: mail}
}

// riskFor gives every client session its own address so cooldowns of
// unrelated clients never collide.
func riskFor(ssaid string) RiskContext {
	return RiskContext{SSAID: ssaid, IP: "ip-" + ssaid}
}

// register sends a login code to email and logs in with it from ssaid.
func (env *testEnv) register(t testing.TB, email, ssaid, password string) *LoginResult {
	t.Helper()
	ctx := context.Background()
	risk := riskFor(ssaid)
	if err := env.engine.SendCode(ctx, email, PurposeLogin, risk); err != nil {
		t.Fatalf("SendCode(%s) failed: %v", email, err)
	}
	res, err := env.engine.Login(ctx, LoginRequest{Email: email, Code: env.mail.code, SetPassword: password}, risk)
	if err != nil {
		t.Fatalf("Login(%s) failed: %v", email, err)
	}
	return res
}

func TestBuildRequiresCollaborators(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("expected error without redis")
	}

	env := newTestEnv(t, nil)
	rdb := redis.NewClient(&redis.Options{Addr: env.mr.Addr()})
	defer rdb.Close()

	if _, err := New().WithRedis(rdb).WithCodeGenerator(env.mail).Build(); err == nil {
		t.Fatal("expected error without user store")
	}
	if _, err := New().WithRedis(rdb).WithUserStore(env.users).Build(); err == nil {
		t.Fatal("expected error without code generator")
	}

	b := New().WithRedis(rdb).WithUserStore(env.users).WithCodeGenerator(env.mail).WithConfig(testConfig())
	if _, err := b.Build(); err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if _, err := b.Build(); err == nil {
		t.Fatal("expected builder reuse to fail")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.ResolveUser(context.Background(), UserContext{SSAID: "x"}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	e.Close()
	if e.AuditDropped() != 0 {
		t.Fatal("expected zero dropped events")
	}
}

func TestResolveAnonymousCreatesOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "device-1", IP: "10.0.0.1"})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if !first.IsAnonymous() || first.SSAID == nil || *first.SSAID != "device-1" {
		t.Fatalf("expected anonymous user for device-1, got %+v", first)
	}
	if first.LastActiveIP == nil || *first.LastActiveIP != "10.0.0.1" {
		t.Fatalf("expected last active ip stamped, got %v", first.LastActiveIP)
	}

	second, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "device-1", IP: "10.0.0.2"})
	if err != nil {
		t.Fatalf("ResolveUser failed: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same user, got %d and %d", first.ID, second.ID)
	}

	stored, err := env.users.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if *stored.LastActiveIP != "10.0.0.2" {
		t.Fatalf("expected last active ip persisted, got %s", *stored.LastActiveIP)
	}
}

func TestResolveAnonymousConcurrentFirstContact(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Metrics.Enabled = true })
	ctx := context.Background()

	const workers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		ids   = make([]int64, workers)
		errs  = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			u, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "racy-device", IP: "10.0.0.9"})
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = u.ID
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
	}
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected a single user id, got %v", ids)
		}
	}

	n, err := env.users.Count(ctx, "racy-device")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one anonymous row, got %d", n)
	}
	if got := env.engine.MetricsSnapshot().Counters[MetricAnonymousCreated]; got != 1 {
		t.Fatalf("expected one anonymous creation, got %d", got)
	}
}

func TestResolveAnonymousDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Anonymous.Allowed = false })
	ctx := context.Background()

	_, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "device-1"})
	if !errors.Is(err, ErrAuthenticationRequired) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}

	u, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "device-1", ForceAllowAnonymous: true})
	if err != nil || u == nil {
		t.Fatalf("expected forced anonymous resolve, got %v", err)
	}
}

func TestResolveMissingSSAID(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.engine.ResolveUser(context.Background(), UserContext{IP: "10.0.0.1"})
	if !errors.Is(err, ErrMissingClientSession) {
		t.Fatalf("expected ErrMissingClientSession, got %v", err)
	}
}

func TestResolveToken(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	res := env.register(t, "alice@example.com", "device-a", "")

	u, err := env.engine.ResolveUser(ctx, UserContext{Token: res.Token, SSAID: "other-device", IP: "10.0.0.3"})
	if err != nil {
		t.Fatalf("ResolveUser(token) failed: %v", err)
	}
	if u.ID != res.UserID || u.EmailValue() != "alice@example.com" {
		t.Fatalf("unexpected user %+v", u)
	}

	// a token never falls back to the anonymous path
	bogus := "A" + res.Token[1:]
	if bogus == res.Token {
		bogus = "B" + res.Token[1:]
	}
	for _, tok := range []string{bogus, "short"} {
		if _, err := env.engine.ResolveUser(ctx, UserContext{Token: tok, SSAID: "device-a"}); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("expected ErrUnauthenticated for %q, got %v", tok, err)
		}
	}
}

func TestResolveTokenExpires(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Session.LoginExpiry = time.Hour })
	res := env.register(t, "alice@example.com", "device-a", "")

	env.advance(time.Hour + time.Second)

	_, err := env.engine.ResolveUser(context.Background(), UserContext{Token: res.Token, SSAID: "device-a"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated after expiry, got %v", err)
	}
}

func TestResolveTokenOfPurgedAccount(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Account.UnregisterGrace = time.Hour })
	ctx := context.Background()
	res := env.register(t, "alice@example.com", "device-a", "")

	// stamp the row directly so the session survives
	past := env.clock.Now().Add(-2 * time.Hour)
	if err := env.users.Update(ctx, res.UserID, new(userstore.Patch).UnregisterTime(&past)); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	_, err := env.engine.ResolveUser(ctx, UserContext{Token: res.Token, SSAID: "device-a"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for purged account, got %v", err)
	}
}

func TestResolveAfterResolveHook(t *testing.T) {
	var seen atomic.Int64
	env := newTestEnv(t, nil, withHooks(Hooks{
		AfterResolve: func(_ context.Context, u *User) (*User, error) {
			seen.Add(1)
			if u.SSAID != nil && *u.SSAID == "blocked" {
				return nil, errors.New("blocked device")
			}
			return nil, nil
		},
	}))
	ctx := context.Background()

	u, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "device-1"})
	if err != nil || u == nil {
		t.Fatalf("expected user when hook returns nil, got %v", err)
	}
	if _, err := env.engine.ResolveUser(ctx, UserContext{SSAID: "blocked"}); err == nil {
		t.Fatal("expected hook error to propagate")
	}
	if seen.Load() != 2 {
		t.Fatalf("expected hook to run twice, got %d", seen.Load())
	}
}
