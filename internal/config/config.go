package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the transcript batching service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	PublicBaseURL    string
	Environment      string
	SentryDSN        string

	DatabaseURL string

	SessionIdleTimeout    time.Duration
	BatchTimeout          time.Duration
	MaxSegmentsPerSession int
	LookbackWindow        time.Duration
	LookbackCount         int
	StoreKeywords         []string
	StartKeyword          string
	SessionRetention      time.Duration
	SweepInterval         time.Duration
	SweepConcurrency      int
	DeliveryTimeout       time.Duration
	RedactPII             bool

	AIEnabled    bool
	AIMinWords   int
	AITimeout    time.Duration
	OpenAIAPIKey string
	OpenAIModel  string
	AIMaxTokens  int

	DiscordUsername  string
	DiscordAvatarURL string

	IngestTokenSecret string
	OmiSigningSecret  string
	CronToken         string
	AdminAPIKey       string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "discomi"),
		PublicBaseURL:     strings.TrimRight(envOrDefault("APP_PUBLIC_BASE_URL", "http://localhost:8080"), "/"),
		Environment:       envOrDefault("ENVIRONMENT", "development"),
		SentryDSN:         envTrimmed("SENTRY_DSN"),
		DatabaseURL:       envTrimmed("DATABASE_URL"),
		StartKeyword:      envOrDefault("TRANSCRIPT_START_KEYWORD", "start memory"),
		OpenAIAPIKey:      envTrimmed("OPENAI_API_KEY"),
		OpenAIModel:       envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		DiscordUsername:   envOrDefault("DISCORD_USERNAME", "DiscOmi"),
		DiscordAvatarURL:  envTrimmed("DISCORD_AVATAR_URL"),
		IngestTokenSecret: envTrimmed("INGEST_TOKEN_SECRET"),
		OmiSigningSecret:  envTrimmed("OMI_SIGNING_SECRET"),
		CronToken:         envTrimmed("CRON_TOKEN"),
		AdminAPIKey:       envTrimmed("ADMIN_API_KEY"),

		ShutdownTimeout:       15 * time.Second,
		SessionIdleTimeout:    60 * time.Minute,
		BatchTimeout:          30 * time.Second,
		MaxSegmentsPerSession: 200,
		LookbackWindow:        15 * time.Minute,
		LookbackCount:         100,
		SessionRetention:      24 * time.Hour,
		SweepInterval:         30 * time.Second,
		SweepConcurrency:      4,
		DeliveryTimeout:       10 * time.Second,
		AIEnabled:             true,
		AIMinWords:            20,
		AITimeout:             20 * time.Second,
		AIMaxTokens:           500,
	}
	cfg.StoreKeywords = listFromEnv("TRANSCRIPT_STORE_KEYWORDS", []string{"store memory", "save this", "remember this"})

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"SESSION_IDLE_TIMEOUT", &cfg.SessionIdleTimeout},
		{"TRANSCRIPT_BATCH_TIMEOUT", &cfg.BatchTimeout},
		{"LOOKBACK_WINDOW", &cfg.LookbackWindow},
		{"SESSION_RETENTION", &cfg.SessionRetention},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
		{"DELIVERY_TIMEOUT", &cfg.DeliveryTimeout},
		{"AI_TIMEOUT", &cfg.AITimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MAX_SEGMENTS_PER_SESSION", &cfg.MaxSegmentsPerSession},
		{"LOOKBACK_COUNT", &cfg.LookbackCount},
		{"SWEEP_CONCURRENCY", &cfg.SweepConcurrency},
		{"AI_MIN_WORDS", &cfg.AIMinWords},
		{"AI_MAX_TOKENS", &cfg.AIMaxTokens},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AIEnabled, err = boolFromEnv("AI_ENABLED", cfg.AIEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.RedactPII, err = boolFromEnv("REDACT_PII", cfg.RedactPII)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return fmt.Errorf("APP_BIND_ADDR must not be empty")
	}
	if c.BatchTimeout < time.Second {
		return fmt.Errorf("TRANSCRIPT_BATCH_TIMEOUT must be at least 1s")
	}
	if c.SessionIdleTimeout <= c.BatchTimeout {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must be longer than TRANSCRIPT_BATCH_TIMEOUT")
	}
	if c.MaxSegmentsPerSession <= 0 {
		return fmt.Errorf("MAX_SEGMENTS_PER_SESSION must be positive")
	}
	if c.LookbackWindow <= 0 {
		return fmt.Errorf("LOOKBACK_WINDOW must be positive")
	}
	if c.LookbackCount <= 0 {
		return fmt.Errorf("LOOKBACK_COUNT must be positive")
	}
	if c.SessionRetention < c.SessionIdleTimeout {
		return fmt.Errorf("SESSION_RETENTION must be at least SESSION_IDLE_TIMEOUT")
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be >= 0")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive")
	}
	if c.DeliveryTimeout <= 0 || c.AITimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT and AI_TIMEOUT must be positive")
	}
	if c.AIMinWords < 0 {
		return fmt.Errorf("AI_MIN_WORDS must be >= 0")
	}
	if c.AIMaxTokens <= 0 {
		return fmt.Errorf("AI_MAX_TOKENS must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := envTrimmed(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

// listFromEnv splits a comma-separated variable, dropping blank entries.
func listFromEnv(key string, fallback []string) []string {
	v := envTrimmed(key)
	if v == "" {
		return append([]string(nil), fallback...)
	}
	return splitList(v)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
