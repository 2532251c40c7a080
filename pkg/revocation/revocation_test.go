package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"bastion/pkg/store"
)

type erroringCache struct{ err error }

func (e erroringCache) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return false, e.err
}
func (e erroringCache) Get(ctx context.Context, key string) (string, error) { return "", e.err }
func (e erroringCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return e.err
}
func (e erroringCache) Del(ctx context.Context, key string) error { return e.err }

func redisStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(store.NewCache(context.Background(), client), nil), mr
}

func TestTokenRevocation(t *testing.T) {
	s, _ := redisStore(t)
	ctx := context.Background()

	if s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("fresh token reported revoked")
	}
	if err := s.RevokeToken(ctx, "tok-1", 0); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("revoked token reported valid")
	}
	if s.IsTokenRevoked(ctx, "tok-2") {
		t.Fatal("unrelated token reported revoked")
	}
}

func TestTokenRevocationExpires(t *testing.T) {
	s, mr := redisStore(t)
	ctx := context.Background()

	if err := s.RevokeToken(ctx, "tok-1", 50*time.Millisecond); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("revoked token reported valid")
	}
	mr.FastForward(60 * time.Millisecond)
	if s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("expired revocation record still effective")
	}
}

func TestRevokeTokenRequiresID(t *testing.T) {
	s, _ := redisStore(t)
	if err := s.RevokeToken(context.Background(), "", 0); err == nil {
		t.Fatal("expected error for empty token id")
	}
	if err := s.RevokeAllUserTokens(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty user id")
	}
}

func TestUserRevocationMonotonicity(t *testing.T) {
	s, _ := redisStore(t)
	ctx := context.Background()
	revokedAt := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return revokedAt }

	if err := s.RevokeAllUserTokens(ctx, "alice"); err != nil {
		t.Fatalf("revoke user: %v", err)
	}

	before := revokedAt.Add(-time.Second)
	after := revokedAt.Add(time.Second)
	if !s.IsUserRevoked(ctx, "alice", before) {
		t.Fatal("credential issued before revocation reported valid")
	}
	if s.IsUserRevoked(ctx, "alice", after) {
		t.Fatal("credential issued after revocation reported revoked")
	}
	// The tie goes to revoked: a credential minted in the revocation second
	// is not trusted.
	if !s.IsUserRevoked(ctx, "alice", revokedAt) {
		t.Fatal("credential issued at the revocation instant reported valid")
	}
	if s.IsUserRevoked(ctx, "bob", before) {
		t.Fatal("unrelated user reported revoked")
	}
}

func TestFailSecureOnCacheErrors(t *testing.T) {
	s := New(erroringCache{err: errors.New("cache down")}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	if !s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("token check failed open on cache error")
	}
	if !s.IsUserRevoked(ctx, "alice", now) {
		t.Fatal("user check failed open on cache error")
	}
	if s.IsValid(ctx, "tok-1", "alice", now) {
		t.Fatal("combined check failed open on cache error")
	}
}

func TestFailSecureOnUnreadableRecord(t *testing.T) {
	s, mr := redisStore(t)
	if err := mr.Set("revoked:user:alice", "not-a-timestamp"); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if !s.IsUserRevoked(context.Background(), "alice", time.Now().UTC()) {
		t.Fatal("corrupt revocation record failed open")
	}
}

func TestIsValidCombinesBothChecks(t *testing.T) {
	s, _ := redisStore(t)
	ctx := context.Background()
	issued := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return issued.Add(-time.Hour) }

	if !s.IsValid(ctx, "tok-1", "alice", issued) {
		t.Fatal("clean credential reported invalid")
	}

	if err := s.RevokeToken(ctx, "tok-1", 0); err != nil {
		t.Fatalf("revoke token: %v", err)
	}
	if s.IsValid(ctx, "tok-1", "alice", issued) {
		t.Fatal("revoked token passed combined check")
	}
	if !s.IsValid(ctx, "tok-2", "alice", issued) {
		t.Fatal("unrelated token failed combined check")
	}

	s.now = func() time.Time { return issued.Add(time.Hour) }
	if err := s.RevokeAllUserTokens(ctx, "alice"); err != nil {
		t.Fatalf("revoke user: %v", err)
	}
	if s.IsValid(ctx, "tok-2", "alice", issued) {
		t.Fatal("user-revoked credential passed combined check")
	}
}

func TestIsValidConcurrentUse(t *testing.T) {
	s, _ := redisStore(t)
	ctx := context.Background()
	issued := time.Now().UTC().Add(time.Hour)

	done := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		go func() { done <- s.IsValid(ctx, "tok-shared", "alice", issued) }()
	}
	for i := 0; i < 16; i++ {
		if !<-done {
			t.Fatal("concurrent combined check reported invalid for clean credential")
		}
	}
}

func TestMemoryCacheBackend(t *testing.T) {
	s := New(store.NewMemoryCache(), nil)
	ctx := context.Background()

	if err := s.RevokeToken(ctx, "tok-1", time.Minute); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !s.IsTokenRevoked(ctx, "tok-1") {
		t.Fatal("revoked token reported valid on memory backend")
	}
	if s.IsTokenRevoked(ctx, "tok-2") {
		t.Fatal("unrelated token reported revoked on memory backend")
	}
}
