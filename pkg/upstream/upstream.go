// Package upstream performs the actual downstream service calls on
// behalf of the dispatcher. Exactly one attempt per inbound request;
// the caller's circuit breaker owns failure accounting and recovery.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"bastion/pkg/httpx"
)

type Executor interface {
	Execute(ctx context.Context, endpoint string, payload json.RawMessage, headers map[string]string) (json.RawMessage, error)
}

// HTTPExecutor posts the request payload to a downstream endpoint.
// Headers holds static headers applied to every call; per-call headers
// override them on key collision.
type HTTPExecutor struct {
	Client  *http.Client
	Headers map[string]string
}

func (h HTTPExecutor) Execute(ctx context.Context, endpoint string, payload json.RawMessage, headers map[string]string) (json.RawMessage, error) {
	if endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	merged := make(map[string]string, len(h.Headers)+len(headers))
	for k, v := range h.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodPost, endpoint, payload, merged)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("upstream status %d", status)
	}
	return body, nil
}
