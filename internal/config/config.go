package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends understood by Config.StoreBackend.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config captures process level configuration for cmd/api.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	StoreBackend string
	PGDSN        string
	RedisURL     string

	JWTSecret string
	TokenTTL  time.Duration

	PlatformAdmins []string

	WebhookURL         string
	NotifyTimeout      time.Duration
	NotifyQueueSize    int
	LedgerRetention    int
	SuspicionThreshold int
	SuspicionWindow    time.Duration
	LoginRateBurst     int
	LoginRatePerSecond int
	TrustedProxies     []string
	LogLevel           string
	LogFormat          string
}

// FromEnv builds Config from MEDGATE_* environment variables. A .env file in
// the working directory is loaded first when present; real environment
// variables win over it.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:       envOr("MEDGATE_HTTP_ADDR", ":8080"),
		GRPCAddr:       envOr("MEDGATE_GRPC_ADDR", ":9090"),
		StoreBackend:   strings.ToLower(envOr("MEDGATE_STORE", BackendMemory)),
		PGDSN:          os.Getenv("MEDGATE_PG_DSN"),
		RedisURL:       os.Getenv("MEDGATE_REDIS_URL"),
		JWTSecret:      os.Getenv("MEDGATE_JWT_SECRET"),
		PlatformAdmins: splitList(envOr("MEDGATE_PLATFORM_ADMINS", "admin@medgate.org")),
		WebhookURL:     os.Getenv("MEDGATE_NOTIFY_WEBHOOK_URL"),
		TrustedProxies: splitList(os.Getenv("MEDGATE_TRUSTED_PROXIES")),
		LogLevel:       envOr("MEDGATE_LOG_LEVEL", "info"),
		LogFormat:      envOr("MEDGATE_LOG_FORMAT", "json"),
	}

	var err error
	if cfg.TokenTTL, err = durationEnv("MEDGATE_TOKEN_TTL", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.NotifyTimeout, err = durationEnv("MEDGATE_NOTIFY_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.SuspicionWindow, err = durationEnv("MEDGATE_SUSPICION_WINDOW", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.NotifyQueueSize, err = intEnv("MEDGATE_NOTIFY_QUEUE", 256); err != nil {
		return Config{}, err
	}
	if cfg.LedgerRetention, err = intEnv("MEDGATE_LEDGER_RETENTION", 0); err != nil {
		return Config{}, err
	}
	if cfg.SuspicionThreshold, err = intEnv("MEDGATE_SUSPICION_THRESHOLD", 5); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateBurst, err = intEnv("MEDGATE_LOGIN_RATE_BURST", 10); err != nil {
		return Config{}, err
	}
	if cfg.LoginRatePerSecond, err = intEnv("MEDGATE_LOGIN_RATE_PER_SEC", 2); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field requirements.
func (c Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("config: MEDGATE_PG_DSN is required for the %s store", c.StoreBackend)
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: MEDGATE_REDIS_URL is required for the %s store", c.StoreBackend)
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.StoreBackend)
	}
	if len(c.PlatformAdmins) == 0 {
		return fmt.Errorf("config: at least one platform admin email is required")
	}
	if c.LedgerRetention < 0 {
		return fmt.Errorf("config: ledger retention must not be negative")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
