package session

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/purerosefallen/simpleuser/cache"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T, ttl time.Duration) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := cache.NewRedisStore(rdb, cache.RedisConfig{Namespace: "t"})
	return NewManager(store, Config{TTL: ttl}, nil), mr
}

func TestIssueAndLookup(t *testing.T) {
	m, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	before := time.Now()
	issued, err := m.Issue(ctx, 42, "a@x.io")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if len(issued.Token) != 64 {
		t.Fatalf("expected 64-char token, got %d", len(issued.Token))
	}
	if issued.UserID != 42 || issued.ExpiresAt.Before(before.Add(time.Hour)) {
		t.Fatalf("unexpected issued %+v", issued)
	}
	if ttl := mr.TTL("t:session:" + issued.Token); ttl != time.Hour {
		t.Fatalf("expected session ttl 1h, got %v", ttl)
	}
	if !mr.Exists("t:session_by_email:a@x.io:" + issued.Token) {
		t.Fatal("expected email index entry")
	}

	id, ok, err := m.Lookup(ctx, issued.Token)
	if err != nil || !ok || id != 42 {
		t.Fatalf("Lookup = %d, %v, %v", id, ok, err)
	}
}

func TestLookupUnknownAndMalformed(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	for _, tok := range []string{"", "short", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		_, ok, err := m.Lookup(ctx, tok)
		if err != nil || ok {
			t.Fatalf("Lookup(%q) = %v, %v", tok, ok, err)
		}
	}
}

func TestLookupAfterExpiry(t *testing.T) {
	m, mr := newTestManager(t, time.Minute)
	ctx := context.Background()

	issued, _ := m.Issue(ctx, 1, "")
	mr.FastForward(2 * time.Minute)

	if _, ok, _ := m.Lookup(ctx, issued.Token); ok {
		t.Fatal("expected expired session to be gone")
	}
}

func TestAnonymousSessionHasNoIndex(t *testing.T) {
	m, mr := newTestManager(t, time.Hour)

	if _, err := m.Issue(context.Background(), 7, ""); err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	for _, k := range mr.Keys() {
		if len(k) > len("t:session_by_email:") && k[:len("t:session_by_email:")] == "t:session_by_email:" {
			t.Fatalf("unexpected index key %q", k)
		}
	}
}

func TestRevokeAllForEmail(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	ctx := context.Background()

	a1, _ := m.Issue(ctx, 1, "a@x.io")
	a2, _ := m.Issue(ctx, 1, "a@x.io")
	other, _ := m.Issue(ctx, 2, "a@x.iox")

	listed, err := m.ListForEmail(ctx, "a@x.io")
	if err != nil {
		t.Fatalf("ListForEmail error: %v", err)
	}
	sort.Strings(listed)
	want := []string{a1.Token, a2.Token}
	sort.Strings(want)
	if len(listed) != 2 || listed[0] != want[0] || listed[1] != want[1] {
		t.Fatalf("unexpected listing %v", listed)
	}

	n, err := m.RevokeAllForEmail(ctx, "a@x.io")
	if err != nil || n != 2 {
		t.Fatalf("RevokeAllForEmail = %d, %v", n, err)
	}
	for _, tok := range []string{a1.Token, a2.Token} {
		if _, ok, _ := m.Lookup(ctx, tok); ok {
			t.Fatalf("token %s survived revocation", tok)
		}
	}
	if _, ok, _ := m.Lookup(ctx, other.Token); !ok {
		t.Fatal("sessions of a different email must survive")
	}
	if listed, _ := m.ListForEmail(ctx, "a@x.io"); len(listed) != 0 {
		t.Fatalf("expected empty index, got %v", listed)
	}

	// idempotent
	if n, err := m.RevokeAllForEmail(ctx, "a@x.io"); err != nil || n != 0 {
		t.Fatalf("second RevokeAllForEmail = %d, %v", n, err)
	}
}

func TestRevokeSingle(t *testing.T) {
	m, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	keep, _ := m.Issue(ctx, 1, "a@x.io")
	drop, _ := m.Issue(ctx, 1, "a@x.io")

	if err := m.Revoke(ctx, drop.Token, "a@x.io"); err != nil {
		t.Fatalf("Revoke error: %v", err)
	}
	if _, ok, _ := m.Lookup(ctx, drop.Token); ok {
		t.Fatal("revoked token still resolves")
	}
	if mr.Exists("t:session_by_email:a@x.io:" + drop.Token) {
		t.Fatal("revoked token still indexed")
	}
	if _, ok, _ := m.Lookup(ctx, keep.Token); !ok {
		t.Fatal("other token must survive")
	}
}

func TestMoveEmailKeepsSessionsRevocable(t *testing.T) {
	m, mr := newTestManager(t, time.Hour)
	ctx := context.Background()

	first, err := m.Issue(ctx, 7, "old@x.io")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	second, err := m.Issue(ctx, 7, "old@x.io")
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	// a dangling index entry whose session is already gone is dropped
	mr.Del("t:session:" + second.Token)

	moved, err := m.MoveEmail(ctx, "old@x.io", "new@x.io")
	if err != nil {
		t.Fatalf("MoveEmail error: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 moved session, got %d", moved)
	}
	if tokens, _ := m.ListForEmail(ctx, "old@x.io"); len(tokens) != 0 {
		t.Fatalf("expected old index cleared, got %v", tokens)
	}

	n, err := m.RevokeAllForEmail(ctx, "new@x.io")
	if err != nil || n != 1 {
		t.Fatalf("RevokeAllForEmail = %d, %v", n, err)
	}
	if _, ok, _ := m.Lookup(ctx, first.Token); ok {
		t.Fatal("expected moved session to be revoked")
	}
}

func TestMoveEmailNoop(t *testing.T) {
	m, _ := newTestManager(t, time.Hour)
	for _, tc := range [][2]string{{"", "a@x.io"}, {"a@x.io", ""}, {"a@x.io", "a@x.io"}} {
		n, err := m.MoveEmail(context.Background(), tc[0], tc[1])
		if err != nil || n != 0 {
			t.Fatalf("MoveEmail(%q, %q) = %d, %v", tc[0], tc[1], n, err)
		}
	}
}
