package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signHS256(t *testing.T, claims jwt.MapClaims, secret string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestVerifyHS256(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"hr-read", "finance-read"},
		"iss":   "issuer-hs",
		"aud":   "bastion",
		"exp":   time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256(tok, secret, "issuer-hs", "bastion")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"hr-read", "finance-read"}) {
		t.Fatalf("unexpected roles: %+v", claims.Roles)
	}
}

func TestVerifyHS256KeycloakRealmRoles(t *testing.T) {
	secret := "test-secret"
	tok := signHS256(t, jwt.MapClaims{
		"preferred_username": "alice",
		"realm_access":       map[string]any{"roles": []string{"executive"}},
		"exp":                time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	claims, err := VerifyHS256(tok, secret, "", "")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "alice" {
		t.Fatalf("subject = %q, want preferred_username fallback", claims.Subject)
	}
	if !reflect.DeepEqual(claims.Roles, []string{"executive"}) {
		t.Fatalf("roles = %+v, want realm_access roles", claims.Roles)
	}
}

func TestVerifyHS256Rejections(t *testing.T) {
	secret := "test-secret"
	future := time.Now().UTC().Add(time.Minute).Unix()
	cases := []struct {
		name string
		tok  string
		iss  string
		aud  string
	}{
		{"wrong secret", signHS256(t, jwt.MapClaims{"sub": "u", "exp": future}, "other"), "", ""},
		{"expired", signHS256(t, jwt.MapClaims{"sub": "u", "exp": time.Now().UTC().Add(-time.Minute).Unix()}, secret), "", ""},
		{"no exp", signHS256(t, jwt.MapClaims{"sub": "u"}, secret), "", ""},
		{"no subject", signHS256(t, jwt.MapClaims{"exp": future}, secret), "", ""},
		{"issuer mismatch", signHS256(t, jwt.MapClaims{"sub": "u", "iss": "a", "exp": future}, secret), "b", ""},
		{"audience mismatch", signHS256(t, jwt.MapClaims{"sub": "u", "aud": []string{"a", "b"}, "exp": future}, secret), "", "c"},
		{"garbage", "not.a.jwt", "", ""},
	}
	for _, c := range cases {
		if _, err := VerifyHS256(c.tok, secret, c.iss, c.aud); err == nil {
			t.Fatalf("%s: verification succeeded", c.name)
		}
	}
}

func TestVerifyHS256RejectsAlgNone(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().UTC().Add(time.Minute).Unix(),
	})
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := VerifyHS256(signed, "secret", "", ""); err == nil {
		t.Fatal("alg=none token verified")
	}
}

func TestMiddlewareHS256(t *testing.T) {
	secret := "secret"
	tok := signHS256(t, jwt.MapClaims{
		"sub":   "user-2",
		"roles": []string{"hr-read"},
		"exp":   time.Now().UTC().Add(time.Minute).Unix(),
	}, secret)
	mw := Middleware("hs256", secret)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			t.Fatal("principal missing")
		}
		if p.Subject != "user-2" || p.Bearer != tok {
			t.Fatalf("unexpected principal: %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer bad.token")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for invalid token, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for missing token, got %d", rr.Code)
	}
}

func TestMiddlewareHeaders(t *testing.T) {
	mw := Middleware("headers", "")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, _ := PrincipalFromContext(r.Context())
		if p.Subject != "alice" {
			t.Fatalf("subject = %q", p.Subject)
		}
		if !reflect.DeepEqual(p.Roles, []string{"hr-read", "finance-read"}) {
			t.Fatalf("roles = %+v", p.Roles)
		}
		if p.Bearer != "edge-credential" {
			t.Fatalf("bearer = %q", p.Bearer)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Id", "alice")
	req.Header.Set("X-User-Roles", " hr-read, finance-read ,")
	req.Header.Set("Authorization", "Bearer edge-credential")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-User-Id, got %d", rr.Code)
	}
}

func TestMiddlewareOff(t *testing.T) {
	mw := Middleware("off", "")
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok || p.Subject != "anonymous" {
			t.Fatalf("unexpected principal: %+v", p)
		}
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestHasAnyRole(t *testing.T) {
	p := Principal{Roles: []string{"hr-read", "SecurityAdmin"}}
	if !HasAnyRole(p, "securityadmin") {
		t.Fatal("expected case-insensitive role match")
	}
	if HasAnyRole(p, "finance-read") {
		t.Fatal("unexpected role match")
	}
	if !HasAnyRole(p) {
		t.Fatal("no required roles must match")
	}
}

func TestSplitRoles(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"a", []string{"a"}},
		{" a , b ,", []string{"a", "b"}},
		{",,", nil},
	}
	for _, c := range cases {
		if got := SplitRoles(c.raw); !reflect.DeepEqual(got, c.want) {
			t.Fatalf("SplitRoles(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}

func TestPrincipalFromContextMissing(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatal("principal found in empty context")
	}
}
