package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"bastion/pkg/auth"
	"bastion/pkg/config"
	"bastion/pkg/httpx"
	"bastion/pkg/telemetry"
	"bastion/pkg/token"

	"github.com/go-chi/chi/v5"
)

// Testable variables for main()
var (
	logFatalf       = log.Fatalf
	initTelemetryFn = telemetry.Init
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runDownstreamMock(initTelemetryFn, listenFn); err != nil {
		logFatalf("server error: %v", err)
	}
}

// mock stands in for a real downstream service behind the gateway. It
// echoes whatever it receives and reports the identity the gateway
// forwarded, so end-to-end tests can assert the full hop.
type mock struct {
	tokens    *token.Service
	slowDelay time.Duration
}

func (m *mock) handleInvoke(w http.ResponseWriter, r *http.Request) {
	caller := map[string]interface{}{}
	if m.tokens != nil {
		claims, err := m.tokens.Verify(r.Header.Get("X-Service-Token"))
		if err != nil {
			httpx.Error(w, http.StatusUnauthorized, err.Error())
			return
		}
		caller["user_id"] = claims.UserID
		caller["roles"] = claims.Roles
	} else if userID := r.Header.Get("X-User-Id"); userID != "" {
		caller["user_id"] = userID
		caller["roles"] = auth.SplitRoles(r.Header.Get("X-User-Roles"))
	}

	var envelope map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&envelope)
	simulate, _ := envelope["simulate"].(string)
	switch simulate {
	case "error":
		httpx.Error(w, http.StatusInternalServerError, "simulated failure")
		return
	case "slow":
		time.Sleep(m.slowDelay)
	}

	resp := map[string]interface{}{
		"status": "ok",
		"path":   r.URL.Path,
		"echo":   envelope,
	}
	if len(caller) > 0 {
		resp["caller"] = caller
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func runDownstreamMock(
	initTelemetry func(context.Context, string) (func(context.Context) error, error),
	listen func(*http.Server) error,
) error {
	if initTelemetry == nil {
		initTelemetry = telemetry.Init
	}
	if listen == nil {
		listen = func(server *http.Server) error { return server.ListenAndServe() }
	}

	shutdown, err := initTelemetry(context.Background(), "downstream-mock")
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	m := &mock{slowDelay: config.EnvDurationMs("DOWNSTREAM_SLOW_MS", 200)}
	if secret := config.Env("GATEWAY_SIGNING_SECRET", ""); secret != "" {
		m.tokens = token.NewService(secret)
	}

	r := chi.NewRouter()
	r.Use(telemetry.HTTPMiddleware("downstream-mock"))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "downstream-mock"})
	})
	r.Post("/*", m.handleInvoke)

	addr := config.Env("ADDR", ":8085")
	log.Printf("downstream-mock listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: config.EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       config.EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      config.EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       config.EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	return listen(server)
}
