// config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"challenge-engine/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort             = "5300"
	defaultAllowedOrigins   = "http://localhost:3000"
	defaultSchedulerEvery   = 30 * time.Minute
	defaultStartupDelay     = 30 * time.Second
	defaultNonceSweepEvery  = 15 * time.Minute
	defaultRetryLookback    = 7 * 24 * time.Hour
	defaultPlayerSyncEvery  = 1 * time.Minute
	minCheckInSecretLength  = 32
	defaultPlayerSyncPath   = "/api/v1/public/players"
	defaultPaymentsCurrency = "usd"
)

// Config is the process configuration, read once at startup.
type Config struct {
	Port           string
	DatabaseURL    string
	AllowedOrigins []string

	CheckInSecret  []byte
	CheckInBaseURL string
	AuthJWTSecret  []byte
	ServiceToken   string

	StripeSecretKey string

	PlayerSyncURL      string
	PlayerSyncPath     string
	PlayerSyncInterval time.Duration

	SchedulerInterval   time.Duration
	SchedulerStartDelay time.Duration
	NonceSweepInterval  time.Duration
	FeeRetryLookback    time.Duration

	DefaultPolicy models.Policy

	LogLevel string
	LogJSON  bool
}

// LoadEnvFile loads .env into the process environment if one is present.
// Variables already set in the environment win.
func LoadEnvFile() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", defaultPort),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		AllowedOrigins:  parseCSV(getEnv("ALLOWED_ORIGINS", defaultAllowedOrigins)),
		CheckInSecret:   []byte(os.Getenv("CHECKIN_SECRET")),
		CheckInBaseURL:  strings.TrimRight(os.Getenv("CHECKIN_BASE_URL"), "/"),
		AuthJWTSecret:   []byte(os.Getenv("AUTH_JWT_SECRET")),
		ServiceToken:    os.Getenv("SERVICE_TOKEN"),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		PlayerSyncURL:   os.Getenv("PLAYER_SYNC_URL"),
		PlayerSyncPath:  getEnv("PLAYER_SYNC_PATH", defaultPlayerSyncPath),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         strings.EqualFold(os.Getenv("LOG_JSON"), "true"),
		DefaultPolicy:   models.DefaultPolicy(),
	}

	var err error
	if cfg.SchedulerInterval, err = getDuration("SCHEDULER_INTERVAL", defaultSchedulerEvery); err != nil {
		return nil, err
	}
	if cfg.SchedulerStartDelay, err = getDuration("SCHEDULER_STARTUP_DELAY", defaultStartupDelay); err != nil {
		return nil, err
	}
	if cfg.NonceSweepInterval, err = getDuration("NONCE_SWEEP_INTERVAL", defaultNonceSweepEvery); err != nil {
		return nil, err
	}
	if cfg.FeeRetryLookback, err = getDuration("FEE_RETRY_LOOKBACK", defaultRetryLookback); err != nil {
		return nil, err
	}
	if cfg.PlayerSyncInterval, err = getDuration("PLAYER_SYNC_INTERVAL", defaultPlayerSyncEvery); err != nil {
		return nil, err
	}

	if path := os.Getenv("POLICY_DEFAULTS_FILE"); path != "" {
		p, err := LoadPolicyDefaults(path)
		if err != nil {
			return nil, err
		}
		cfg.DefaultPolicy = p
	}

	return cfg, cfg.Validate()
}

// Validate checks settings the server cannot run without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable not set")
	}
	if len(c.CheckInSecret) < minCheckInSecretLength {
		return fmt.Errorf("CHECKIN_SECRET must be at least %d bytes", minCheckInSecretLength)
	}
	if len(c.AuthJWTSecret) == 0 {
		return errors.New("AUTH_JWT_SECRET environment variable not set")
	}
	if c.ServiceToken == "" {
		return errors.New("SERVICE_TOKEN environment variable not set")
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("SCHEDULER_INTERVAL must be positive")
	}
	return nil
}

// LoadPolicyDefaults reads the system-wide default policy from a YAML file.
// Keys missing from the file keep the built-in defaults.
func LoadPolicyDefaults(path string) (models.Policy, error) {
	p := models.DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy defaults %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy defaults %s: %w", path, err)
	}
	if p.Currency == "" {
		p.Currency = defaultPaymentsCurrency
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("policy defaults %s: %w", path, err)
	}
	return p, nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	// bare integers are seconds
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	return time.Duration(secs) * time.Second, nil
}

func parseCSV(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
