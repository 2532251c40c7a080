package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bastion/pkg/access"
	"bastion/pkg/audit"
	"bastion/pkg/auth"
	"bastion/pkg/dispatch"
	"bastion/pkg/httpx"
	"bastion/pkg/stream"
	"bastion/pkg/token"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// handleInvoke is the dispatch path. A caller-supplied X-Service-Token is
// verified as-is; otherwise one is minted from the edge principal so the
// pipeline always checks a real credential.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	serverName := chi.URLParam(r, "server")
	principal, hasPrincipal := auth.PrincipalFromContext(r.Context())
	svcToken := strings.TrimSpace(r.Header.Get("X-Service-Token"))
	if svcToken == "" {
		if !hasPrincipal {
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		minted, err := s.Tokens.Sign(principal.Subject, principal.Roles)
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, err.Error())
			return
		}
		svcToken = minted
	}

	headers := map[string]string{
		"X-Service-Token": svcToken,
		"X-Forwarded-For": s.clientIP(r),
	}
	if hasPrincipal {
		headers["X-User-Id"] = principal.Subject
		if len(principal.Roles) > 0 {
			headers["X-User-Roles"] = strings.Join(principal.Roles, ",")
		}
		if principal.Bearer != "" {
			headers["Authorization"] = "Bearer " + principal.Bearer
		}
	}

	result, err := s.Dispatcher.Dispatch(r.Context(), dispatch.Request{
		Server:  serverName,
		Token:   svcToken,
		Payload: body,
		Headers: headers,
	})
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	if result.Verdict != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Verdict.Decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Verdict.Decision.Remaining))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Payload)
}

// writeDispatchError maps the pipeline's typed errors onto the HTTP
// contract. Error text is the typed message only; transport detail from
// upstream failures stays in the logs.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var rle *dispatch.RateLimitError
	if errors.As(err, &rle) {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rle.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rle.Remaining))
		httpx.WriteJSON(w, dispatch.HTTPStatus(err), map[string]interface{}{
			"error":      rle.Message,
			"retryAfter": rle.RetryAfter,
		})
		return
	}
	httpx.Error(w, dispatch.HTTPStatus(err), err.Error())
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	var roles []string
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		roles = principal.Roles
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"accessible": access.Names(access.Accessible(roles, s.Servers)),
		"denied":     access.Names(access.Denied(roles, s.Servers)),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	cacheStatus := "ok"
	if err := s.Cache.Set(r.Context(), "health:probe", "ok", time.Minute); err != nil {
		cacheStatus = "down"
	}
	allHealthy := s.Breakers.AllHealthy()
	status := "ok"
	code := http.StatusOK
	if cacheStatus != "ok" || !allHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, map[string]interface{}{
		"status":      status,
		"environment": s.Cfg.Environment,
		"cache":       cacheStatus,
		"breakers": map[string]interface{}{
			"all_healthy": allHealthy,
			"unhealthy":   s.Breakers.UnhealthyServerNames(),
		},
	})
}

type revokeTokenRequest struct {
	Token      string `json:"token"`
	TokenID    string `json:"token_id"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req revokeTokenRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	tokenID := strings.TrimSpace(req.TokenID)
	if tokenID == "" && strings.TrimSpace(req.Token) != "" {
		tokenID = token.TokenID(strings.TrimSpace(req.Token))
	}
	if tokenID == "" {
		httpx.Error(w, http.StatusBadRequest, "token or token_id required")
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.Revocations.RevokeToken(r.Context(), tokenID, ttl); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "revocation store unavailable")
		return
	}
	s.Events.Publish(stream.TokenRevoked(tokenID, "admin"))
	s.auditAdmin(r, "TOKEN_REVOKED", map[string]interface{}{
		"token_id":    tokenID,
		"ttl_seconds": req.TTLSeconds,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"revoked": tokenID})
}

func (s *Server) handleRevokeUser(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		httpx.Error(w, http.StatusBadRequest, "user_id required")
		return
	}
	if err := s.Revocations.RevokeAllUserTokens(r.Context(), userID); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "revocation store unavailable")
		return
	}
	s.Events.Publish(stream.UserRevoked(userID, "admin"))
	s.auditAdmin(r, "USER_REVOKED", map[string]interface{}{"user_id": userID})
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"revoked": userID})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"breakers": s.Breakers.StatsAll(),
	})
}

func (s *Server) handleForceBreakerOpen(w http.ResponseWriter, r *http.Request) {
	s.forceBreaker(w, r, true)
}

func (s *Server) handleForceBreakerClose(w http.ResponseWriter, r *http.Request) {
	s.forceBreaker(w, r, false)
}

func (s *Server) forceBreaker(w http.ResponseWriter, r *http.Request, open bool) {
	name := chi.URLParam(r, "server")
	desc, known := access.Find(name, s.Servers)
	if !known {
		httpx.Error(w, http.StatusNotFound, "unknown server "+strconv.Quote(name))
		return
	}
	kind := "BREAKER_FORCE_CLOSED"
	if open {
		s.Breakers.ForceOpen(desc.Name)
		kind = "BREAKER_FORCE_OPENED"
	} else {
		s.Breakers.ForceClose(desc.Name)
	}
	stats := s.Breakers.Get(desc.Name).Stats()
	s.auditAdmin(r, kind, map[string]interface{}{
		"server": desc.Name,
		"state":  stats.State,
	})
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"server": desc.Name,
		"stats":  stats,
	})
}

// auditAdmin records a privileged mutation on the security trail under
// the acting principal. Trail failures are logged, never surfaced.
func (s *Server) auditAdmin(r *http.Request, kind string, detail map[string]interface{}) {
	if s.Audit == nil {
		return
	}
	identity := ""
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		identity = principal.Subject
	}
	raw, _ := json.Marshal(detail)
	rec := audit.Record{
		Kind:     kind,
		Identity: identity,
		Status:   http.StatusOK,
		Detail:   raw,
	}
	if err := s.Audit.Append(r.Context(), rec); err != nil {
		s.Logger.Warn("audit append failed", zap.String("kind", kind), zap.Error(err))
	}
}

// streamEvents upgrades to a websocket and relays hub events until the
// client goes away. A ready event confirms the subscription before any
// real traffic.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if len(s.Cfg.WSAllowedOrigins) > 0 {
		opts.OriginPatterns = s.Cfg.WSAllowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}
