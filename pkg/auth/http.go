package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Principal is the caller identity established at the edge. Bearer keeps
// the inbound credential so it can be forwarded to downstream servers
// unchanged.
type Principal struct {
	Subject string
	Roles   []string
	Bearer  string
}

type contextKey string

const principalContextKey contextKey = "bastion.principal"

type MiddlewareConfig struct {
	Issuer   string
	Audience string
}

type MiddlewareOption func(*MiddlewareConfig)

func WithIssuer(issuer string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Issuer = strings.TrimSpace(issuer)
	}
}

func WithAudience(audience string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		cfg.Audience = strings.TrimSpace(audience)
	}
}

// Middleware establishes the caller identity according to mode:
//
//	headers  trust X-User-Id / X-User-Roles placed by the fronting proxy
//	hs256    verify an HS256 bearer JWT locally
//	off      anonymous
//
// Running with "off" outside a dev-like environment is refused at startup
// by the hardening checks, not here.
func Middleware(mode, secret string, options ...MiddlewareOption) func(http.Handler) http.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	cfg := MiddlewareConfig{}
	for _, opt := range options {
		opt(&cfg)
	}
	switch mode {
	case "", "off":
		return anonymousMiddleware
	case "headers":
		return headerTrustMiddleware
	default:
		return bearerMiddleware(mode, secret, cfg)
	}
}

func anonymousMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{Subject: "anonymous", Roles: []string{"anonymous"}, Bearer: bearerToken(r)}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func headerTrustMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := strings.TrimSpace(r.Header.Get("X-User-Id"))
		if subject == "" {
			http.Error(w, "missing user identity", http.StatusUnauthorized)
			return
		}
		p := Principal{
			Subject: subject,
			Roles:   SplitRoles(r.Header.Get("X-User-Roles")),
			Bearer:  bearerToken(r),
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func bearerMiddleware(mode, secret string, cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			var (
				claims TokenClaims
				err    error
			)
			switch mode {
			case "hs256":
				claims, err = VerifyHS256(token, secret, cfg.Issuer, cfg.Audience)
			default:
				err = errors.New("unsupported auth mode")
			}
			if err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), Principal{
				Subject: claims.Subject,
				Roles:   claims.Roles,
				Bearer:  token,
			})))
		})
	}
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v := ctx.Value(principalContextKey)
	if v == nil {
		return Principal{}, false
	}
	p, ok := v.(Principal)
	return p, ok
}

func HasAnyRole(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range p.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// SplitRoles parses a comma-separated role header into a clean slice.
func SplitRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

type TokenClaims struct {
	Subject string
	Roles   []string
}

// VerifyHS256 validates a symmetric JWT. Only HS256 is accepted so a
// crafted "alg" header cannot downgrade verification.
func VerifyHS256(token, secret, issuer, audience string) (TokenClaims, error) {
	if strings.TrimSpace(secret) == "" {
		return TokenClaims{}, errors.New("secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return TokenClaims{}, err
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return TokenClaims{}, errors.New("invalid claims")
	}
	out := TokenClaims{Subject: stringClaim(claims, "sub")}
	if out.Subject == "" {
		out.Subject = stringClaim(claims, "preferred_username")
	}
	if out.Subject == "" {
		return TokenClaims{}, errors.New("subject required")
	}
	out.Roles = extractRoles(claims)
	return out, nil
}

// extractRoles reads Keycloak's realm_access.roles shape, falling back to
// a flat roles claim.
func extractRoles(claims jwt.MapClaims) []string {
	if realm, ok := claims["realm_access"].(map[string]any); ok {
		if roles := stringSlice(realm["roles"]); len(roles) > 0 {
			return roles
		}
	}
	return stringSlice(claims["roles"])
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if s, ok := claims[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		return out
	case []string:
		return vals
	case string:
		if trimmed := strings.TrimSpace(vals); trimmed != "" {
			return []string{trimmed}
		}
	}
	return nil
}
