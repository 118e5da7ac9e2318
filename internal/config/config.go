package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Profile    string
	ListenAddr string

	// Metadata store.
	DBDriver string // "sqlite" or "postgres"
	DBDSN    string
	// 32-byte hex key used to seal credential material at rest.
	CredentialSealKey string

	// Transport.
	TransportDriver string // "sim" is the only built-in driver

	// Lifecycle bounds.
	CreateTimeout  time.Duration
	RefreshTimeout time.Duration
	CredentialTTL  time.Duration
	RefreshStrict  bool

	// Event dispatch.
	WebhookURL           string
	WebhookSigningSecret string
	DispatchAttempts     int
	DispatchBaseDelay    time.Duration
	RecentEventsCapacity int
	RedisAddr            string

	// Observability.
	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	EnableOTelHTTP            bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Profile:    getEnv("APP_PROFILE", "dev"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		DBDriver:          getEnv("DB_DRIVER", "sqlite"),
		DBDSN:             getEnv("DB_DSN", "file:session-gateway.db?_pragma=journal_mode(WAL)"),
		CredentialSealKey: getEnv("CREDENTIAL_SEAL_KEY", ""),

		TransportDriver: getEnv("TRANSPORT_DRIVER", "sim"),

		CreateTimeout:  getDuration("SESSION_CREATE_TIMEOUT", 30*time.Second),
		RefreshTimeout: getDuration("SESSION_REFRESH_TIMEOUT", 15*time.Second),
		CredentialTTL:  getDuration("CREDENTIAL_TTL", 60*time.Second),
		RefreshStrict:  getBool("SESSION_REFRESH_STRICT", false),

		WebhookURL:           getEnv("WEBHOOK_URL", ""),
		WebhookSigningSecret: getEnv("WEBHOOK_SIGNING_SECRET", ""),
		DispatchAttempts:     getInt("DISPATCH_ATTEMPTS", 3),
		DispatchBaseDelay:    getDuration("DISPATCH_BASE_DELAY", time.Second),
		RecentEventsCapacity: getInt("RECENT_EVENTS_CAPACITY", 10),
		RedisAddr:            getEnv("REDIS_ADDR", ""),

		OTELServiceName:           getEnv("OTEL_SERVICE_NAME", "session-gateway"),
		OTELEnvironment:           getEnv("OTEL_ENVIRONMENT", "dev"),
		OTELExporterOTLPEndpoint:  getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        getBool("OTEL_METRICS_ENABLED", false),
		OTELTracesEnabled:         getBool("OTEL_TRACES_ENABLED", false),
		OTELLogsEnabled:           getBool("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: getDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second),
		EnableOTelHTTP:            getBool("OTEL_HTTP_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.Profile, "failure", classifyConfigLoadError(err))
		return nil, err
	}
	recordConfigValidationEvent(context.Background(), cfg.Profile, "success", "none")
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("validate config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.TransportDriver != "sim" {
		return fmt.Errorf("validate config: unsupported TRANSPORT_DRIVER %q", c.TransportDriver)
	}
	if c.CreateTimeout <= 0 || c.RefreshTimeout <= 0 || c.CredentialTTL <= 0 {
		return fmt.Errorf("validate config: lifecycle timeouts must be positive")
	}
	if c.DispatchAttempts < 1 {
		return fmt.Errorf("validate config: DISPATCH_ATTEMPTS must be at least 1")
	}
	if c.RecentEventsCapacity < 1 {
		return fmt.Errorf("validate config: RECENT_EVENTS_CAPACITY must be at least 1")
	}
	if _, err := c.SealKey(); err != nil {
		return err
	}
	return nil
}

// SealKey decodes CREDENTIAL_SEAL_KEY. An empty key is allowed and means
// credential material is persisted unsealed (dev profile only).
func (c *Config) SealKey() ([]byte, error) {
	if c.CredentialSealKey == "" {
		if c.Profile == "prod" {
			return nil, fmt.Errorf("validate config: CREDENTIAL_SEAL_KEY is required in prod")
		}
		return nil, nil
	}
	key, err := hex.DecodeString(c.CredentialSealKey)
	if err != nil {
		return nil, fmt.Errorf("parse CREDENTIAL_SEAL_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("validate config: CREDENTIAL_SEAL_KEY must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return parsed
}
