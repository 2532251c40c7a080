// Package config centralizes environment configuration for the gateway
// binaries. Load reads an optional .env file first, then resolves every
// tunable through typed getters with defaults, so the rest of the repo
// never touches os.Getenv for its own settings.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config binds everything the gateway reads at startup.
type Config struct {
	Addr        string
	Environment string

	AuthMode             string
	AuthHS256Secret      string
	AuthIssuer           string
	AuthAudience         string
	AllowInsecureAuthOff bool

	SigningSecret     string
	TokenReplayWindow time.Duration
	TokenClockSkew    time.Duration

	ServersFile string

	RedisAddr   string
	DatabaseURL string

	AuditEnabled  bool
	AuditHashSalt string
	AuditRedact   bool

	RevokedTokenTTL time.Duration
	RevokedUserTTL  time.Duration

	RateLimitEnabled         bool
	RateLimitBurstMax        int
	RateLimitBurstWindow     time.Duration
	RateLimitSustainedMax    int
	RateLimitSustainedWindow time.Duration
	RateLimitDailyMax        int
	RateLimitDailyWindow     time.Duration

	BreakerTimeout           time.Duration
	BreakerResetTimeout      time.Duration
	BreakerErrorThresholdPct int
	BreakerVolumeThreshold   int
	BreakerWindow            time.Duration

	UpstreamTimeout time.Duration

	CORSAllowedOrigins  string
	WSAllowedOrigins    []string
	TrustedProxyCIDRs   string
	MaxRequestBodyBytes int64

	KafkaBrokers         []string
	KafkaRevocationTopic string
	KafkaGroupID         string

	StrictProdSecurity string
	DatabaseRequireTLS string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

// Load pulls an optional .env into the process environment, then
// resolves the full configuration. Missing .env is not an error.
func Load() Config {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv resolves configuration from the current environment without
// touching .env. Tests use this directly with t.Setenv.
func FromEnv() Config {
	return Config{
		Addr:        Env("ADDR", ":8080"),
		Environment: Env("ENVIRONMENT", "development"),

		AuthMode:             Env("AUTH_MODE", "headers"),
		AuthHS256Secret:      Env("AUTH_HS256_SECRET", ""),
		AuthIssuer:           Env("AUTH_ISSUER", ""),
		AuthAudience:         Env("AUTH_AUDIENCE", ""),
		AllowInsecureAuthOff: EnvBool("ALLOW_INSECURE_AUTH_OFF", false),

		SigningSecret:     Env("GATEWAY_SIGNING_SECRET", ""),
		TokenReplayWindow: EnvDurationSec("TOKEN_REPLAY_WINDOW_SEC", 30),
		TokenClockSkew:    EnvDurationSec("TOKEN_CLOCK_SKEW_SEC", 5),

		ServersFile: Env("SERVERS_FILE", "servers.yaml"),

		RedisAddr:   Env("REDIS_ADDR", ""),
		DatabaseURL: Env("DATABASE_URL", ""),

		AuditEnabled:  EnvBool("AUDIT_ENABLED", true),
		AuditHashSalt: Env("AUDIT_HASH_SALT", ""),
		AuditRedact:   EnvBool("AUDIT_REDACT", true),

		RevokedTokenTTL: EnvDurationSec("REVOKED_TOKEN_TTL_SEC", 3600),
		RevokedUserTTL:  EnvDurationSec("REVOKED_USER_TTL_SEC", 86400),

		RateLimitEnabled:         EnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitBurstMax:        EnvInt("RATE_LIMIT_BURST_MAX", 10),
		RateLimitBurstWindow:     EnvDurationSec("RATE_LIMIT_BURST_WINDOW_SEC", 10),
		RateLimitSustainedMax:    EnvInt("RATE_LIMIT_SUSTAINED_MAX", 60),
		RateLimitSustainedWindow: EnvDurationSec("RATE_LIMIT_SUSTAINED_WINDOW_SEC", 60),
		RateLimitDailyMax:        EnvInt("RATE_LIMIT_DAILY_MAX", 1000),
		RateLimitDailyWindow:     EnvDurationSec("RATE_LIMIT_DAILY_WINDOW_SEC", 86400),

		BreakerTimeout:           EnvDurationMs("BREAKER_TIMEOUT_MS", 5000),
		BreakerResetTimeout:      EnvDurationMs("BREAKER_RESET_TIMEOUT_MS", 30000),
		BreakerErrorThresholdPct: EnvInt("BREAKER_ERROR_THRESHOLD_PCT", 50),
		BreakerVolumeThreshold:   EnvInt("BREAKER_VOLUME_THRESHOLD", 5),
		BreakerWindow:            EnvDurationSec("BREAKER_WINDOW_SEC", 10),

		UpstreamTimeout: EnvDurationMs("UPSTREAM_TIMEOUT_MS", 3000),

		CORSAllowedOrigins:  Env("CORS_ALLOWED_ORIGINS", ""),
		WSAllowedOrigins:    EnvCSV("WS_ALLOWED_ORIGINS", nil),
		TrustedProxyCIDRs:   Env("TRUSTED_PROXY_CIDRS", ""),
		MaxRequestBodyBytes: int64(EnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),

		KafkaBrokers:         EnvCSV("KAFKA_BROKERS", nil),
		KafkaRevocationTopic: Env("KAFKA_REVOCATION_TOPIC", ""),
		KafkaGroupID:         Env("KAFKA_GROUP_ID", "bastion-gateway"),

		StrictProdSecurity: Env("STRICT_PROD_SECURITY", ""),
		DatabaseRequireTLS: Env("DATABASE_REQUIRE_TLS", ""),

		ReadHeaderTimeout: EnvDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       EnvDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      EnvDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       EnvDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
		ShutdownTimeout:   EnvDurationSec("HTTP_SHUTDOWN_TIMEOUT_SEC", 10),
	}
}

func Env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func EnvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func EnvBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func EnvDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(EnvInt(k, def))
}

func EnvDurationMs(k string, def int) time.Duration {
	return time.Millisecond * time.Duration(EnvInt(k, def))
}

// EnvCSV splits a comma-separated value, trimming blanks. An unset or
// empty variable returns def.
func EnvCSV(k string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(k))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
