package revocation

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bastion/pkg/store"
)

const (
	tokenKeyPrefix = "revoked:token:"
	userKeyPrefix  = "revoked:user:"

	// Revocation records only need to outlive the tokens they kill; these
	// defaults are orders of magnitude past the replay window.
	DefaultTokenTTL = time.Hour
	DefaultUserTTL  = 24 * time.Hour
)

// Store is the shared revocation ledger. Every check fails secure: if the
// cache cannot answer, the credential is treated as revoked. Centralizing
// that policy here means no call site can get it wrong.
type Store struct {
	Cache    store.Cache
	TokenTTL time.Duration
	UserTTL  time.Duration
	Logger   *zap.Logger

	now func() time.Time
}

func New(cache store.Cache, logger *zap.Logger) *Store {
	return &Store{
		Cache:    cache,
		TokenTTL: DefaultTokenTTL,
		UserTTL:  DefaultUserTTL,
		Logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Store) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Store) tokenTTL() time.Duration {
	if s.TokenTTL > 0 {
		return s.TokenTTL
	}
	return DefaultTokenTTL
}

func (s *Store) userTTL() time.Duration {
	if s.UserTTL > 0 {
		return s.UserTTL
	}
	return DefaultUserTTL
}

// RevokeToken marks a single token dead until its record expires. A zero or
// negative ttl selects the store default.
func (s *Store) RevokeToken(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return errors.New("token id is required")
	}
	if ttl <= 0 {
		ttl = s.tokenTTL()
	}
	stamp := strconv.FormatInt(s.clock().Unix(), 10)
	return s.Cache.Set(ctx, tokenKeyPrefix+tokenID, stamp, ttl)
}

// RevokeAllUserTokens records the revocation instant for a user. Every
// credential issued at or before that instant is dead from now on, without
// enumerating tokens; credentials issued afterwards are unaffected.
func (s *Store) RevokeAllUserTokens(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	stamp := strconv.FormatInt(s.clock().Unix(), 10)
	return s.Cache.Set(ctx, userKeyPrefix+userID, stamp, s.userTTL())
}

// IsTokenRevoked reports whether a revocation marker exists for tokenID.
// Infrastructure errors count as revoked.
func (s *Store) IsTokenRevoked(ctx context.Context, tokenID string) bool {
	if tokenID == "" {
		return true
	}
	_, err := s.Cache.Get(ctx, tokenKeyPrefix+tokenID)
	if err == nil {
		return true
	}
	if errors.Is(err, redis.Nil) {
		return false
	}
	s.logger().Warn("revocation check failed, treating token as revoked",
		zap.String("token_id", tokenID), zap.Error(err))
	return true
}

// IsUserRevoked reports whether the user's revocation timestamp, if any,
// covers a credential issued at issuedAt. Infrastructure errors and
// unreadable records count as revoked.
func (s *Store) IsUserRevoked(ctx context.Context, userID string, issuedAt time.Time) bool {
	if userID == "" {
		return true
	}
	raw, err := s.Cache.Get(ctx, userKeyPrefix+userID)
	if errors.Is(err, redis.Nil) {
		return false
	}
	if err != nil {
		s.logger().Warn("user revocation check failed, treating user as revoked",
			zap.String("user_id", userID), zap.Error(err))
		return true
	}
	revokedAt, parseErr := strconv.ParseInt(raw, 10, 64)
	if parseErr != nil {
		s.logger().Warn("unreadable user revocation record, treating user as revoked",
			zap.String("user_id", userID), zap.String("value", raw), zap.Error(parseErr))
		return true
	}
	return issuedAt.Unix() <= revokedAt
}

// IsValid runs the token and user checks concurrently so the revocation
// gate adds one cache round-trip of latency, not two.
func (s *Store) IsValid(ctx context.Context, tokenID, userID string, issuedAt time.Time) bool {
	tokenCh := make(chan bool, 1)
	userCh := make(chan bool, 1)
	go func() { tokenCh <- s.IsTokenRevoked(ctx, tokenID) }()
	go func() { userCh <- s.IsUserRevoked(ctx, userID, issuedAt) }()
	tokenRevoked := <-tokenCh
	userRevoked := <-userCh
	return !tokenRevoked && !userRevoked
}
