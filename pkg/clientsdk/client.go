// Package clientsdk is a minimal Go client for the gateway API, used by
// the ops CLI, scripts, and end-to-end tests.
package clientsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"bastion/pkg/breaker"
	"bastion/pkg/token"
)

// Client talks to one gateway. Identity travels the same three ways the
// gateway accepts it: a bearer token, trusted identity headers, or a
// pre-minted service token for the service-to-service hop.
type Client struct {
	BaseURL      string
	HTTPClient   *http.Client
	AuthToken    string
	UserID       string
	Roles        []string
	ServiceToken string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// MintServiceToken signs an internal hop credential so a backend service
// can call a peer through the gateway under its own identity.
func MintServiceToken(secret, userID string, roles []string) (string, error) {
	return token.NewService(secret).Sign(userID, roles)
}

// InvokeResult is the downstream payload plus the rate-limit headroom the
// gateway reported for this caller.
type InvokeResult struct {
	Payload            json.RawMessage
	RateLimitLimit     int
	RateLimitRemaining int
}

type ServerList struct {
	Accessible []string `json:"accessible"`
	Denied     []string `json:"denied"`
}

type BreakerHealth struct {
	AllHealthy bool     `json:"all_healthy"`
	Unhealthy  []string `json:"unhealthy,omitempty"`
}

type Health struct {
	Status      string        `json:"status"`
	Environment string        `json:"environment,omitempty"`
	Cache       string        `json:"cache"`
	Breakers    BreakerHealth `json:"breakers"`
}

// Invoke forwards payload to the named server through the gateway's
// dispatch pipeline and returns the downstream response verbatim.
func (c *Client) Invoke(ctx context.Context, server string, payload json.RawMessage) (InvokeResult, error) {
	if strings.TrimSpace(server) == "" {
		return InvokeResult{}, fmt.Errorf("server name is required")
	}
	path := "/v1/servers/" + url.PathEscape(server) + "/invoke"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return InvokeResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyIdentity(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return InvokeResult{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return InvokeResult{}, fmt.Errorf("invoke %q failed status=%d body=%s", server, resp.StatusCode, string(respBody))
	}
	out := InvokeResult{Payload: respBody}
	out.RateLimitLimit = headerInt(resp.Header, "X-RateLimit-Limit")
	out.RateLimitRemaining = headerInt(resp.Header, "X-RateLimit-Remaining")
	return out, nil
}

// Servers returns the gateway's accessible/denied partition for the
// calling identity.
func (c *Client) Servers(ctx context.Context) (ServerList, error) {
	var out ServerList
	if err := c.getJSON(ctx, "/v1/servers", &out); err != nil {
		return ServerList{}, err
	}
	return out, nil
}

// GatewayHealth reads /healthz. A degraded gateway answers 503 with the
// same body, so that status is parsed rather than treated as an error.
func (c *Client) GatewayHealth(ctx context.Context) (Health, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return Health{}, err
	}
	c.applyIdentity(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return Health{}, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return Health{}, fmt.Errorf("healthz failed status=%d body=%s", resp.StatusCode, string(respBody))
	}
	var out Health
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Health{}, err
	}
	return out, nil
}

// RevokeToken invalidates one token id via the admin API. ttlSeconds <= 0
// selects the gateway's default marker TTL.
func (c *Client) RevokeToken(ctx context.Context, tokenID string, ttlSeconds int) error {
	payload := map[string]interface{}{"token_id": tokenID}
	if ttlSeconds > 0 {
		payload["ttl_seconds"] = ttlSeconds
	}
	return c.postJSON(ctx, "/v1/admin/revocations/token", payload, nil)
}

// RevokeUser invalidates every outstanding credential for userID.
func (c *Client) RevokeUser(ctx context.Context, userID string) error {
	return c.postJSON(ctx, "/v1/admin/revocations/user", map[string]string{"user_id": userID}, nil)
}

// Breakers snapshots every breaker the gateway has created.
func (c *Client) Breakers(ctx context.Context) (map[string]breaker.Stats, error) {
	var out struct {
		Breakers map[string]breaker.Stats `json:"breakers"`
	}
	if err := c.getJSON(ctx, "/v1/admin/breakers", &out); err != nil {
		return nil, err
	}
	return out.Breakers, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyIdentity(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("GET %s failed status=%d body=%s", path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyIdentity(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("POST %s failed status=%d body=%s", path, resp.StatusCode, string(respBody))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyIdentity(req *http.Request) {
	if tok := strings.TrimSpace(c.AuthToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if uid := strings.TrimSpace(c.UserID); uid != "" {
		req.Header.Set("X-User-Id", uid)
		if len(c.Roles) > 0 {
			req.Header.Set("X-User-Roles", strings.Join(c.Roles, ","))
		}
	}
	if svc := strings.TrimSpace(c.ServiceToken); svc != "" {
		req.Header.Set("X-Service-Token", svc)
	}
}

func headerInt(h http.Header, key string) int {
	v, err := strconv.Atoi(strings.TrimSpace(h.Get(key)))
	if err != nil {
		return 0
	}
	return v
}
