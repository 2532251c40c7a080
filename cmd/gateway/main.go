package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bastion/pkg/access"
	"bastion/pkg/audit"
	"bastion/pkg/auth"
	"bastion/pkg/breaker"
	"bastion/pkg/config"
	"bastion/pkg/dispatch"
	"bastion/pkg/feed"
	"bastion/pkg/hardening"
	"bastion/pkg/httpx"
	"bastion/pkg/metrics"
	"bastion/pkg/ratelimit"
	"bastion/pkg/revocation"
	"bastion/pkg/store"
	"bastion/pkg/stream"
	"bastion/pkg/telemetry"
	"bastion/pkg/token"
	"bastion/pkg/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server holds everything the HTTP layer needs. All fields are injected
// by runGateway; handlers never reach for globals.
type Server struct {
	Cfg               config.Config
	Logger            *zap.Logger
	Cache             store.Cache
	Tokens            *token.Service
	Revocations       *revocation.Store
	Servers           []access.ServerDescriptor
	Breakers          *breaker.Registry
	Limits            *ratelimit.Tiered
	Dispatcher        *dispatch.Dispatcher
	Audit             dispatch.Trail
	Events            *stream.Hub
	Metrics           *metrics.Registry
	Feed              *feed.Runner
	TrustedProxyCIDRs []*net.IPNet
}

type gatewayDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Close()
}

type gatewayInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type gatewayOpenDBFunc func(ctx context.Context) (gatewayDBCloser, error)
type gatewayOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type gatewayListenFunc func(server *http.Server) error
type gatewayStartLoopsFunc func(s *Server)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), config.EnvDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10))
			defer cancel()
			return server.Shutdown(shutdownCtx)
		}
	}
	startLoopsFnG = func(s *Server) {
		go s.metricsLoop(context.Background())
		if s.Feed != nil {
			go s.Feed.Run(context.Background())
		}
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("gateway: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx := context.Background()
	cfg := config.Load()

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := initTelemetry(ctx, "gateway")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	redisClient, err := openRedis(ctx)
	if err != nil {
		logger.Warn("redis unavailable, falling back to in-memory cache and limits", zap.Error(err))
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	var trail dispatch.Trail
	if cfg.AuditEnabled && strings.TrimSpace(cfg.DatabaseURL) != "" {
		pool, err := openDB(ctx)
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		defer pool.Close()
		trail = &audit.Writer{DB: pool, HashSalt: []byte(cfg.AuditHashSalt), Redact: cfg.AuditRedact}
	}

	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return errors.New("GATEWAY_SIGNING_SECRET is required")
	}
	if strings.EqualFold(cfg.AuthMode, "off") {
		if !cfg.AllowInsecureAuthOff {
			return errors.New("AUTH_MODE=off is disabled unless ALLOW_INSECURE_AUTH_OFF=true")
		}
		if isProductionLikeEnv(cfg.Environment) {
			return errors.New("AUTH_MODE=off is forbidden in production-like environments")
		}
		if !isExplicitNonProductionEnv(cfg.Environment) && !isTestBinaryProcess() {
			return errors.New("AUTH_MODE=off requires ENVIRONMENT=development|dev|local|test")
		}
	}
	requiredSecrets := []hardening.EnvRequirement{
		{Name: "GATEWAY_SIGNING_SECRET", Value: cfg.SigningSecret},
	}
	if strings.EqualFold(cfg.AuthMode, "hs256") {
		requiredSecrets = append(requiredSecrets, hardening.EnvRequirement{Name: "AUTH_HS256_SECRET", Value: cfg.AuthHS256Secret})
	}
	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "gateway",
		Environment:            cfg.Environment,
		StrictProdSecurity:     cfg.StrictProdSecurity,
		AuthMode:               cfg.AuthMode,
		DatabaseURL:            cfg.DatabaseURL,
		DatabaseRequireTLS:     cfg.DatabaseRequireTLS,
		RedisAddr:              cfg.RedisAddr,
		RedisRequireTLS:        config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       config.Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  config.Env("REDIS_ALLOW_INSECURE_TLS", ""),
		CORSAllowedOrigins:     cfg.CORSAllowedOrigins,
		RequiredServiceSecrets: requiredSecrets,
	}); err != nil {
		return err
	}

	servers, err := access.LoadServers(cfg.ServersFile)
	if err != nil {
		return fmt.Errorf("servers: %w", err)
	}

	tokens := token.NewService(cfg.SigningSecret)
	tokens.ReplayWindow = cfg.TokenReplayWindow
	tokens.ClockSkew = cfg.TokenClockSkew

	revocations := revocation.New(cache, logger)
	revocations.TokenTTL = cfg.RevokedTokenTTL
	revocations.UserTTL = cfg.RevokedUserTTL

	events := stream.NewHub()
	registry := metrics.NewRegistry()

	breakerDefaults := breaker.Options{
		Timeout:                  cfg.BreakerTimeout,
		ResetTimeout:             cfg.BreakerResetTimeout,
		ErrorThresholdPercentage: cfg.BreakerErrorThresholdPct,
		VolumeThreshold:          cfg.BreakerVolumeThreshold,
		Window:                   cfg.BreakerWindow,
	}
	breakers := breaker.NewRegistry(breakerDefaults, func(evt breaker.Event) {
		registry.IncBreakerEvent(evt.Type)
		events.Publish(stream.BreakerTransition(evt.Server, evt.Type, evt.State))
		switch evt.Type {
		case breaker.EventOpen:
			logger.Warn("breaker opened", zap.String("server", evt.Server))
		case breaker.EventHalfOpen:
			logger.Info("breaker probing", zap.String("server", evt.Server))
		case breaker.EventClosed:
			logger.Info("breaker closed", zap.String("server", evt.Server))
		}
	})
	for _, desc := range servers {
		if desc.Breaker == nil {
			continue
		}
		if err := breakers.Configure(desc.Name, breakerOptions(breakerDefaults, desc.Breaker)); err != nil {
			return fmt.Errorf("breaker %q: %w", desc.Name, err)
		}
	}

	var limits *ratelimit.Tiered
	if cfg.RateLimitEnabled {
		tiers := tiersFromConfig(cfg)
		if redisClient != nil {
			limits = ratelimit.NewTiered(redisClient, tiers...)
		} else {
			limits = ratelimit.NewTieredInMemory(tiers...)
		}
	}

	executor := upstream.HTTPExecutor{
		Client: telemetry.InstrumentClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
	}
	dispatcher := &dispatch.Dispatcher{
		Tokens:      tokens,
		Revocations: revocations,
		Servers:     servers,
		Breakers:    breakers,
		Limits:      limits,
		Invoke: func(callCtx context.Context, server access.ServerDescriptor, payload json.RawMessage, headers map[string]string) (json.RawMessage, error) {
			return executor.Execute(callCtx, server.Endpoint, payload, headers)
		},
		Audit:   trail,
		Events:  events,
		Logger:  logger,
		Metrics: registry,
	}

	var revocationFeed *feed.Runner
	if len(cfg.KafkaBrokers) > 0 && strings.TrimSpace(cfg.KafkaRevocationTopic) != "" {
		consumer, err := feed.NewKafkaConsumer(feed.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaRevocationTopic,
			GroupID: cfg.KafkaGroupID,
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer func() { _ = consumer.Close() }()
		revocationFeed = &feed.Runner{
			Consumer:    consumer,
			Revocations: revocations,
			Events:      events,
			Metrics:     registry,
			Logger:      logger,
		}
	}

	s := &Server{
		Cfg:               cfg,
		Logger:            logger,
		Cache:             cache,
		Tokens:            tokens,
		Revocations:       revocations,
		Servers:           servers,
		Breakers:          breakers,
		Limits:            limits,
		Dispatcher:        dispatcher,
		Audit:             trail,
		Events:            events,
		Metrics:           registry,
		Feed:              revocationFeed,
		TrustedProxyCIDRs: parseCIDRs(cfg.TrustedProxyCIDRs),
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(cfg.CORSAllowedOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("gateway"))
	r.Use(s.limitRequestBodyMiddleware)
	r.Get("/healthz", s.handleHealthz)

	authRouter := chi.NewRouter()
	authRouter.Use(auth.Middleware(
		cfg.AuthMode,
		cfg.AuthHS256Secret,
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAudience(cfg.AuthAudience),
	))
	authRouter.Get("/metrics", s.Metrics.Handler())
	authRouter.Get("/metrics/prometheus", s.Metrics.PrometheusHandler())
	authRouter.Post("/v1/servers/{server}/invoke", s.handleInvoke)
	authRouter.Get("/v1/servers", s.handleListServers)
	authRouter.Get("/v1/stream", s.withRoles(s.streamEvents, "security-admin", "platform-admin"))
	authRouter.Post("/v1/admin/revocations/token", s.withRoles(s.handleRevokeToken, "security-admin", "platform-admin"))
	authRouter.Post("/v1/admin/revocations/user", s.withRoles(s.handleRevokeUser, "security-admin", "platform-admin"))
	authRouter.Get("/v1/admin/breakers", s.withRoles(s.handleListBreakers, "security-admin", "platform-admin"))
	authRouter.Post("/v1/admin/breakers/{server}/open", s.withRoles(s.handleForceBreakerOpen, "security-admin", "platform-admin"))
	authRouter.Post("/v1/admin/breakers/{server}/close", s.withRoles(s.handleForceBreakerClose, "security-admin", "platform-admin"))
	r.Mount("/", authRouter)

	if startLoops != nil {
		startLoops(s)
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.Addr),
		zap.String("environment", cfg.Environment),
		zap.String("auth_mode", cfg.AuthMode),
		zap.Int("servers", len(servers)),
	)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

func newLogger(environment string) (*zap.Logger, error) {
	if isProductionLikeEnv(environment) {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

// breakerOptions applies one descriptor's overrides on top of the
// registry defaults. Zero or missing fields keep the default.
func breakerOptions(defaults breaker.Options, ov *access.BreakerOverrides) breaker.Options {
	opts := defaults
	if ov == nil {
		return opts
	}
	if ov.TimeoutMs > 0 {
		opts.Timeout = time.Duration(ov.TimeoutMs) * time.Millisecond
	}
	if ov.ResetTimeoutMs > 0 {
		opts.ResetTimeout = time.Duration(ov.ResetTimeoutMs) * time.Millisecond
	}
	if ov.ErrorThresholdPercentage > 0 {
		opts.ErrorThresholdPercentage = ov.ErrorThresholdPercentage
	}
	if ov.VolumeThreshold > 0 {
		opts.VolumeThreshold = ov.VolumeThreshold
	}
	return opts
}

func tiersFromConfig(cfg config.Config) []ratelimit.TierConfig {
	return []ratelimit.TierConfig{
		{Name: "burst", Window: cfg.RateLimitBurstWindow, Max: cfg.RateLimitBurstMax, Message: "Too many requests, please slow down"},
		{Name: "sustained", Window: cfg.RateLimitSustainedWindow, Max: cfg.RateLimitSustainedMax, Message: "Rate limit exceeded, please try again later"},
		{Name: "daily", Window: cfg.RateLimitDailyWindow, Max: cfg.RateLimitDailyMax, Message: "Daily request limit reached"},
	}
}

func isProductionLikeEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}

func isExplicitNonProductionEnv(raw string) bool {
	value := strings.ToLower(strings.TrimSpace(raw))
	switch value {
	case "dev", "development", "local", "test", "testing":
		return true
	default:
		return false
	}
}

func isTestBinaryProcess() bool {
	return strings.HasSuffix(strings.TrimSpace(os.Args[0]), ".test")
}

func parseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func (s *Server) limitRequestBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Cfg.MaxRequestBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withRoles(h http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.EqualFold(s.Cfg.AuthMode, "off") {
			h(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			s.Metrics.IncReason("ADMIN_UNAUTHENTICATED")
			httpx.Error(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !auth.HasAnyRole(principal, roles...) {
			s.Metrics.IncReason("ADMIN_FORBIDDEN")
			s.Logger.Warn("admin route denied",
				zap.String("path", r.URL.Path),
				zap.String("subject", principal.Subject),
			)
			httpx.Error(w, http.StatusForbidden, "forbidden")
			return
		}
		h(w, r)
	}
}

func (s *Server) clientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		remoteIP = r.RemoteAddr
	}
	if remoteIP != "" && s.isTrustedProxy(remoteIP) {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				if candidate := parseIP(strings.TrimSpace(parts[0])); candidate != "" {
					return candidate
				}
			}
		}
		if realIP := parseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (s *Server) isTrustedProxy(ipStr string) bool {
	if len(s.TrustedProxyCIDRs) == 0 {
		return false
	}
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range s.TrustedProxyCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetGauge("servers_configured", float64(len(s.Servers)))
	s.Metrics.SetGauge("breakers_tracked", float64(len(s.Breakers.Names())))
	s.Metrics.SetGauge("breakers_unhealthy", float64(len(s.Breakers.UnhealthyServerNames())))
}
