package audit

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRedactValueBranches(t *testing.T) {
	t.Parallel()

	// Sensitive value that is not a string still gets hashed, not dropped.
	got := redactValue(map[string]interface{}{
		"secret": map[string]interface{}{"kid": "k-1", "raw": "material"},
	}, []byte("salt"))
	m, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map result, got %T", got)
	}
	hashed, ok := m["secret_hash"].(string)
	if !ok || hashed == "" {
		t.Fatalf("expected non-empty secret_hash, got %#v", m)
	}
	if strings.Contains(hashed, "material") {
		t.Fatalf("expected opaque hash, got %q", hashed)
	}

	// Top-level arrays and scalars pass through the walker unchanged.
	arr := redactValue([]interface{}{"a", float64(2)}, nil)
	if list, ok := arr.([]interface{}); !ok || len(list) != 2 || list[0] != "a" {
		t.Fatalf("expected array passthrough, got %#v", arr)
	}
	if v := redactValue("plain", nil); v != "plain" {
		t.Fatalf("expected scalar passthrough, got %#v", v)
	}
}

func TestSensitiveKeyMatching(t *testing.T) {
	t.Parallel()

	for _, k := range []string{"token", "Token", " AUTHORIZATION ", "X-Service-Token", "x-service-token"} {
		if !isSensitiveKey(k) {
			t.Fatalf("expected %q to be sensitive", k)
		}
	}
	for _, k := range []string{"reason", "server", "tokens", "status"} {
		if isSensitiveKey(k) {
			t.Fatalf("expected %q to be plain", k)
		}
	}
}

func TestHashHelpersBranches(t *testing.T) {
	t.Parallel()

	if a, b := hashString("alice", []byte("s1")), hashString("alice", []byte("s2")); a == b {
		t.Fatal("expected different salts to produce different hashes")
	}
	if a, b := hashString("alice", []byte("s1")), hashString("alice", []byte("s1")); a != b {
		t.Fatal("expected identical inputs to hash identically")
	}
	if a, b := hashValue("v", []byte("s")), hashValue(map[string]interface{}{"k": "v"}, []byte("s")); a == b {
		t.Fatal("expected string and object forms to hash differently")
	}
	raw, _ := json.Marshal(map[string]interface{}{"k": "v"})
	if hashValue(map[string]interface{}{"k": "v"}, []byte("s")) != hashBytes(raw, []byte("s")) {
		t.Fatal("expected object hash to match canonical marshal hash")
	}
}
