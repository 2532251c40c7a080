package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Keys whose values are credential material and must never reach the
// trail in the clear. Matching is case-insensitive so header-shaped
// detail ("Authorization", "X-Service-Token") is caught too.
var sensitiveDetailKeys = map[string]struct{}{
	"token":           {},
	"authorization":   {},
	"bearer":          {},
	"secret":          {},
	"password":        {},
	"signature":       {},
	"x-service-token": {},
}

func redactDetail(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		payload := map[string]interface{}{
			"detail_hash":     hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	b, _ := json.Marshal(redactValue(decoded, salt))
	return b
}

func redactValue(v interface{}, salt []byte) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k+"_hash"] = hashValue(val, salt)
				continue
			}
			out[k] = redactValue(val, salt)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = redactValue(val, salt)
		}
		return out
	default:
		return v
	}
}

func isSensitiveKey(k string) bool {
	_, ok := sensitiveDetailKeys[strings.ToLower(strings.TrimSpace(k))]
	return ok
}

func hashValue(v interface{}, salt []byte) string {
	if s, ok := v.(string); ok {
		return hashString(s, salt)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return hashBytes(raw, salt)
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
