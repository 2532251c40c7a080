package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Verification failure messages are part of the gateway's API contract and
// surface verbatim in 401 bodies.
var (
	ErrRequired  = errors.New("Token is required")
	ErrFormat    = errors.New("Invalid token format")
	ErrSignature = errors.New("Invalid token signature")
	ErrExpired   = errors.New("Token expired")
	ErrFuture    = errors.New("Token timestamp is in the future")
)

const (
	DefaultReplayWindow = 30 * time.Second
	DefaultClockSkew    = 5 * time.Second
)

// Claims is the parsed payload of a verified service token.
type Claims struct {
	IssuedAt time.Time
	UserID   string
	Roles    []string
}

// Service signs and verifies the internal hop credential. The wire form is
// timestamp:userId:roles-comma-joined followed by "." and the hex HMAC-SHA256
// of that payload under Secret.
type Service struct {
	Secret       string
	ReplayWindow time.Duration
	ClockSkew    time.Duration

	now func() time.Time
}

func NewService(secret string) *Service {
	return &Service{
		Secret:       secret,
		ReplayWindow: DefaultReplayWindow,
		ClockSkew:    DefaultClockSkew,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

func (s *Service) replayWindow() time.Duration {
	if s.ReplayWindow > 0 {
		return s.ReplayWindow
	}
	return DefaultReplayWindow
}

func (s *Service) clockSkew() time.Duration {
	if s.ClockSkew > 0 {
		return s.ClockSkew
	}
	return DefaultClockSkew
}

// Sign mints a token for userID carrying roles, stamped with the current
// unix second. Empty role entries are dropped; duplicates keep their first
// position so the payload is deterministic for a given input.
func (s *Service) Sign(userID string, roles []string) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("signing secret is required")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}
	payload := buildPayload(s.clock().Unix(), userID, normalizeRoles(roles))
	return payload + "." + signPayload(s.Secret, payload), nil
}

// Verify checks structure, signature, and freshness, in that order, and
// fails closed. The signature covers the whole payload string, so tampering
// with any field is caught before the timestamp is even trusted.
func (s *Service) Verify(tok string) (Claims, error) {
	if strings.TrimSpace(tok) == "" {
		return Claims{}, ErrRequired
	}
	sep := strings.LastIndex(tok, ".")
	if sep <= 0 || sep == len(tok)-1 {
		return Claims{}, ErrFormat
	}
	payload, sig := tok[:sep], tok[sep+1:]
	issuedAt, userID, roles, err := parsePayload(payload)
	if err != nil {
		return Claims{}, ErrFormat
	}
	if _, err := hex.DecodeString(sig); err != nil {
		return Claims{}, ErrFormat
	}
	expected := signPayload(s.Secret, payload)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return Claims{}, ErrSignature
	}
	now := s.clock()
	if issuedAt.Before(now.Add(-s.replayWindow())) {
		return Claims{}, ErrExpired
	}
	if issuedAt.After(now.Add(s.clockSkew())) {
		return Claims{}, ErrFuture
	}
	return Claims{IssuedAt: issuedAt, UserID: userID, Roles: roles}, nil
}

// ExtractUserContext is the forgiving form of Verify: nil on any failure.
func (s *Service) ExtractUserContext(tok string) *Claims {
	claims, err := s.Verify(tok)
	if err != nil {
		return nil
	}
	return &claims
}

// TokenID derives the revocation key for a single token. The wire token
// carries no separate identifier, so the id is the SHA-256 of the full
// token string.
func TokenID(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

func signPayload(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func buildPayload(unix int64, userID string, roles []string) string {
	return fmt.Sprintf("%d:%s:%s", unix, userID, strings.Join(roles, ","))
}

func parsePayload(payload string) (time.Time, string, []string, error) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return time.Time{}, "", nil, errors.New("payload must have three fields")
	}
	unix, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || unix <= 0 {
		return time.Time{}, "", nil, errors.New("bad timestamp")
	}
	userID := parts[1]
	if userID == "" {
		return time.Time{}, "", nil, errors.New("empty user id")
	}
	return time.Unix(unix, 0).UTC(), userID, splitRoles(parts[2]), nil
}

func normalizeRoles(roles []string) []string {
	seen := make(map[string]struct{}, len(roles))
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

func splitRoles(raw string) []string {
	if raw == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
