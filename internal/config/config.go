package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName             = "SwiftPay"
	defaultAppEnv              = "development"
	defaultPort                = "8080"
	defaultLogLevel            = "info"
	defaultShutdownDelay       = 10 * time.Second
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultHandshakeDeadline   = 30 * time.Second
	defaultCommitTimeout       = 10 * time.Second
	defaultConfirmWindow       = 15 * time.Second
	defaultConfirmPollInterval = 500 * time.Millisecond
	defaultAccessTokenTTL      = 15 * time.Minute
	defaultRateLimitPerMinute  = 30
	idemTTLSecondsEnvVar       = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar           = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar      = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar     = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	JWTSecret      string
	JWTIssuer      string
	AccessTokenTTL time.Duration
	FaceIDURL      string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	RateLimit      int

	HandshakeDeadline   time.Duration
	CommitTimeout       time.Duration
	ConfirmWindow       time.Duration
	ConfirmPollInterval time.Duration
	CrossLedger         bool

	// LedgerURL is the API the tap simulator commits against. Empty means
	// an in-process ledger.
	LedgerURL string
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is loaded first when present; real
// environment variables win over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:     getEnv("APP_NAME", defaultAppName),
		AppEnv:      getEnv("APP_ENV", defaultAppEnv),
		Port:        getEnv("PORT", defaultPort),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", "swiftpay"),
		FaceIDURL:   os.Getenv("FACEID_URL"),
		LedgerURL:   os.Getenv("LEDGER_URL"),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}

	durations := []struct {
		key  string
		dst  *time.Duration
		dflt time.Duration
	}{
		{"ACCESS_TOKEN_TTL", &cfg.AccessTokenTTL, defaultAccessTokenTTL},
		{"HANDSHAKE_DEADLINE", &cfg.HandshakeDeadline, defaultHandshakeDeadline},
		{"COMMIT_TIMEOUT", &cfg.CommitTimeout, defaultCommitTimeout},
		{"CONFIRM_WINDOW", &cfg.ConfirmWindow, defaultConfirmWindow},
		{"CONFIRM_POLL_INTERVAL", &cfg.ConfirmPollInterval, defaultConfirmPollInterval},
	}
	for _, d := range durations {
		if *d.dst, err = duration(d.key, d.dflt); err != nil {
			return Config{}, err
		}
	}

	cfg.RateLimit = defaultRateLimitPerMinute
	if v := os.Getenv("RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid RATE_LIMIT_PER_MINUTE: %q", v)
		}
		cfg.RateLimit = n
	}

	if v := os.Getenv("CROSS_LEDGER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid CROSS_LEDGER: %w", err)
		}
		cfg.CrossLedger = b
	}

	if cfg.JWTSecret == "" {
		if !cfg.IsDev() {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
		cfg.JWTSecret = "dev-secret"
	}

	if !cfg.IsDev() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
	}

	return cfg, nil
}

// IsDev reports whether the app runs in a local environment, where Postgres
// and Redis are optional.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return duration(durationKey, fallback)
}

func duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
