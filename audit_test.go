package simpleuser

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/purerosefallen/simpleuser/internal/logging"
)

type countingSink struct {
	count atomic.Int64
}

func (s *countingSink) Emit(context.Context, AuditEvent) {
	s.count.Add(1)
}

func (s *countingSink) Count() int64 {
	return s.count.Load()
}

type gateSink struct {
	gate chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{
		gate: make(chan struct{}),
	}
}

func (s *gateSink) Emit(context.Context, AuditEvent) {
	<-s.gate
}

// collectEvents reads up to max events from sink, giving up after a
// short timeout.
func collectEvents(t *testing.T, sink *ChannelSink, max int) []AuditEvent {
	t.Helper()
	events := make([]AuditEvent, 0, max)
	timeout := time.After(2 * time.Second)
	for len(events) < max {
		select {
		case ev := <-sink.Events():
			events = append(events, ev)
		case <-timeout:
			return events
		}
	}
	return events
}

func auditConfig(c *Config) {
	c.Audit.Enabled = true
	c.Audit.BufferSize = 64
	c.Audit.DropIfFull = false
}

func TestAuditDisabledNoSinkCalls(t *testing.T) {
	sink := &countingSink{}
	env := newTestEnv(t, nil, withAuditSink(sink))

	env.register(t, "alice@example.com", "device-1", "pw")
	_, _ = env.engine.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "wrong"}, riskFor("device-1"))
	env.engine.Close()

	if sink.Count() != 0 {
		t.Fatalf("expected no audit sink calls when disabled, got %d", sink.Count())
	}
}

func TestAuditLoginFailureFields(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, auditConfig, withAuditSink(sink))
	env.register(t, "alice@example.com", "device-1", "pw")

	_, _ = env.engine.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "super-secret-password"},
		RiskContext{SSAID: "device-2", IP: "198.51.100.33"})
	env.engine.Close()

	var failure *AuditEvent
	for _, ev := range collectEvents(t, sink, 16) {
		if ev.EventType == auditEventLoginFailure {
			failure = &ev
		}
	}
	if failure == nil {
		t.Fatal("expected a login_failure event")
	}
	if failure.Success || failure.IP != "198.51.100.33" || failure.SSAID != "device-2" {
		t.Fatalf("unexpected event %+v", failure)
	}
	if failure.Email != "alice@example.com" || failure.Error != string(auditErrInvalidPassword) {
		t.Fatalf("unexpected subject or error %+v", failure)
	}
	if failure.ID == "" || !failure.Timestamp.Equal(env.clock.Now().UTC()) {
		t.Fatalf("expected id and timestamp, got %+v", failure)
	}
}

func TestAuditLifecycleEvents(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, auditConfig, withAuditSink(sink))
	ctx := context.Background()

	res := env.register(t, "alice@example.com", "device-1", "")
	u := env.resolveToken(t, res.Token)
	if err := env.engine.Unregister(ctx, u); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	env.engine.Close()

	seen := map[string]bool{}
	for _, ev := range collectEvents(t, sink, 64) {
		seen[ev.EventType] = true
	}
	for _, want := range []string{
		auditEventAnonymousCreated,
		auditEventCodeSent,
		auditEventRegistered,
		auditEventLoginSuccess,
		auditEventSessionsRevoked,
		auditEventUnregister,
	} {
		if !seen[want] {
			t.Fatalf("expected %s event, saw %v", want, seen)
		}
	}
}

func TestAuditRateLimitEvent(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, auditConfig, withAuditSink(sink))
	ctx := context.Background()

	env.sendCode(t, "alice@example.com", PurposeLogin, "device-1")
	_ = env.engine.SendCode(ctx, "alice@example.com", PurposeLogin, riskFor("device-1"))
	env.engine.Close()

	for _, ev := range collectEvents(t, sink, 8) {
		if ev.EventType != auditEventRateLimited {
			continue
		}
		if ev.Metadata["scope"] != "send_code" || ev.Metadata["wait_ms"] == "" {
			t.Fatalf("unexpected rate limit metadata %v", ev.Metadata)
		}
		return
	}
	t.Fatal("expected a rate_limit_triggered event")
}

func TestAuditNoSecretsInEvents(t *testing.T) {
	sink := NewChannelSink(64)
	env := newTestEnv(t, auditConfig, withAuditSink(sink))
	ctx := context.Background()

	const secret = "correct-password-123"
	res := env.register(t, "alice@example.com", "device-1", secret)
	if _, err := env.engine.Login(ctx, LoginRequest{Email: "alice@example.com", Password: secret}, riskFor("device-2")); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	stored, err := env.users.FindByID(ctx, res.UserID)
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	env.engine.Close()

	needles := []string{secret, res.Token, *stored.PasswordHash, env.mail.code}
	events := collectEvents(t, sink, 32)
	if len(events) == 0 {
		t.Fatal("expected at least one audit event")
	}
	for _, ev := range events {
		for _, needle := range needles {
			if strings.Contains(ev.Error, needle) {
				t.Fatalf("sensitive value leaked in audit error field: %q", needle)
			}
			for k, v := range ev.Metadata {
				if strings.Contains(k, needle) || strings.Contains(v, needle) {
					t.Fatalf("sensitive value leaked in audit metadata: %q", needle)
				}
			}
		}
	}
}

func TestAuditBufferFullDropIfFullTrueDoesNotBlock(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: true,
	}, sink, logging.Nop())
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	start := time.Now()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("expected non-blocking emit when DropIfFull is true")
	}
	if dispatcher.Dropped() == 0 {
		t.Fatal("expected dropped counter to increment when queue is full")
	}
}

func TestAuditBufferFullDropIfFullFalseBlocksUntilSpace(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
		DropIfFull: false,
	}, sink, logging.Nop())
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	done := make(chan struct{})
	go func() {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e3"})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("expected emit to block while buffer is full")
	case <-time.After(150 * time.Millisecond):
	}

	sink.gate <- struct{}{}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected blocked emit to proceed after space is available")
	}
}

func TestAuditDisabledDispatcherIsNil(t *testing.T) {
	d := newAuditDispatcher(AuditConfig{Enabled: false}, &countingSink{}, logging.Nop())
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}
	d.Emit(context.Background(), AuditEvent{EventType: "e1"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected zero drops on nil dispatcher")
	}
}

func TestAuditCloseFlushesQueue(t *testing.T) {
	sink := &countingSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 16,
		DropIfFull: false,
	}, sink, logging.Nop())

	for i := 0; i < 10; i++ {
		dispatcher.Emit(context.Background(), AuditEvent{EventType: "e"})
	}
	dispatcher.Close()

	if sink.Count() != 10 {
		t.Fatalf("expected 10 flushed events, got %d", sink.Count())
	}
}

func TestAuditJSONWriterSinkWritesJSONLines(t *testing.T) {
	var buf syncBuffer
	sink := NewJSONWriterSink(&buf)
	sink.Emit(context.Background(), AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: auditEventLoginSuccess,
		UserID:    42,
		Email:     "alice@example.com",
		IP:        "127.0.0.1",
		Success:   true,
	})

	if !buf.Contains("login_success") {
		t.Fatal("expected JSON log line to contain event type")
	}
	if !buf.Contains(`"user_id":42`) {
		t.Fatal("expected JSON log line to contain user id")
	}
	if !buf.Contains("\n") {
		t.Fatal("expected newline-terminated record")
	}
}

func TestAuditDispatcherCloseIdempotentAndEmitAfterCloseSafe(t *testing.T) {
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 4,
		DropIfFull: true,
	}, &countingSink{}, logging.Nop())

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	dispatcher.Close()
	dispatcher.Close()
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})
}

type panicSink struct {
	countingSink
}

func (s *panicSink) Emit(ctx context.Context, event AuditEvent) {
	if event.EventType == auditEventLoginFailure {
		panic("sink failure")
	}
	s.countingSink.Emit(ctx, event)
}

func TestAuditSinkPanicDropsOnlyThatEvent(t *testing.T) {
	sink := &panicSink{}
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 8,
	}, sink, logging.Nop())

	dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventCodeSent})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventLoginFailure})
	dispatcher.Emit(context.Background(), AuditEvent{EventType: auditEventLoginSuccess})
	dispatcher.Close()

	if sink.Count() != 2 {
		t.Fatalf("expected 2 delivered events, got %d", sink.Count())
	}
	if dispatcher.Dropped() != 1 {
		t.Fatalf("expected 1 dropped event, got %d", dispatcher.Dropped())
	}
}

func TestAuditBlockedEmitGivesUpWithContext(t *testing.T) {
	sink := newGateSink()
	dispatcher := newAuditDispatcher(AuditConfig{
		Enabled:    true,
		BufferSize: 1,
	}, sink, logging.Nop())
	defer func() {
		close(sink.gate)
		dispatcher.Close()
	}()

	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e1"})
	// wait for the worker to hold e1 so the queue has exactly one slot
	time.Sleep(50 * time.Millisecond)
	dispatcher.Emit(context.Background(), AuditEvent{EventType: "e2"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	dispatcher.Emit(ctx, AuditEvent{EventType: "e3"})

	if dispatcher.Dropped() != 1 {
		t.Fatalf("expected the abandoned event to count as dropped, got %d", dispatcher.Dropped())
	}
}

func TestAuditEngineDropsUnderBackpressure(t *testing.T) {
	sink := newGateSink()
	env := newTestEnv(t, func(cfg *Config) {
		cfg.Audit = AuditConfig{Enabled: true, BufferSize: 1, DropIfFull: true}
	}, withAuditSink(sink))
	defer close(sink.gate)

	env.sendCode(t, "alice@example.com", PurposeLogin, "device-1")
	env.sendCode(t, "bob@example.com", PurposeLogin, "device-2")
	env.sendCode(t, "carol@example.com", PurposeLogin, "device-3")

	if env.engine.AuditDropped() == 0 {
		t.Fatal("expected engine to report dropped audit events")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *syncBuffer) Contains(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Contains(string(b.buf), v)
}
