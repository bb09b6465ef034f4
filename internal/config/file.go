package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML layout accepted by LoadFile. Secrets are read from
// the environment only.
type fileConfig struct {
	Environment string `yaml:"environment"`

	Server struct {
		BindAddr         string `yaml:"bind_addr"`
		ShutdownTimeout  string `yaml:"shutdown_timeout"`
		MetricsNamespace string `yaml:"metrics_namespace"`
		PublicBaseURL    string `yaml:"public_base_url"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Batching struct {
		IdleTimeout      string   `yaml:"idle_timeout"`
		BatchTimeout     string   `yaml:"batch_timeout"`
		MaxSegments      int      `yaml:"max_segments"`
		LookbackWindow   string   `yaml:"lookback_window"`
		LookbackCount    int      `yaml:"lookback_count"`
		StoreKeywords    []string `yaml:"store_keywords"`
		StartKeyword     string   `yaml:"start_keyword"`
		Retention        string   `yaml:"retention"`
		SweepInterval    string   `yaml:"sweep_interval"`
		SweepConcurrency int      `yaml:"sweep_concurrency"`
		DeliveryTimeout  string   `yaml:"delivery_timeout"`
		RedactPII        *bool    `yaml:"redact_pii"`
	} `yaml:"batching"`

	AI struct {
		Enabled   *bool  `yaml:"enabled"`
		MinWords  *int   `yaml:"min_words"`
		Timeout   string `yaml:"timeout"`
		Model     string `yaml:"model"`
		MaxTokens int    `yaml:"max_tokens"`
	} `yaml:"ai"`

	Discord struct {
		Username  string `yaml:"username"`
		AvatarURL string `yaml:"avatar_url"`
	} `yaml:"discord"`
}

// LoadFile overlays the YAML file at path onto base. Values present in the
// file win over base.
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg := base
	setString(&cfg.Environment, fc.Environment)
	setString(&cfg.BindAddr, fc.Server.BindAddr)
	setString(&cfg.MetricsNamespace, fc.Server.MetricsNamespace)
	setString(&cfg.PublicBaseURL, strings.TrimRight(fc.Server.PublicBaseURL, "/"))
	setString(&cfg.DatabaseURL, fc.Database.URL)
	setString(&cfg.StartKeyword, fc.Batching.StartKeyword)
	setString(&cfg.OpenAIModel, fc.AI.Model)
	setString(&cfg.DiscordUsername, fc.Discord.Username)
	setString(&cfg.DiscordAvatarURL, fc.Discord.AvatarURL)

	durations := []struct {
		field string
		raw   string
		dst   *time.Duration
	}{
		{"server.shutdown_timeout", fc.Server.ShutdownTimeout, &cfg.ShutdownTimeout},
		{"batching.idle_timeout", fc.Batching.IdleTimeout, &cfg.SessionIdleTimeout},
		{"batching.batch_timeout", fc.Batching.BatchTimeout, &cfg.BatchTimeout},
		{"batching.lookback_window", fc.Batching.LookbackWindow, &cfg.LookbackWindow},
		{"batching.retention", fc.Batching.Retention, &cfg.SessionRetention},
		{"batching.sweep_interval", fc.Batching.SweepInterval, &cfg.SweepInterval},
		{"batching.delivery_timeout", fc.Batching.DeliveryTimeout, &cfg.DeliveryTimeout},
		{"ai.timeout", fc.AI.Timeout, &cfg.AITimeout},
	}
	for _, d := range durations {
		raw := strings.TrimSpace(d.raw)
		if raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s parse error: %w", d.field, err)
		}
		*d.dst = parsed
	}

	setInt(&cfg.MaxSegmentsPerSession, fc.Batching.MaxSegments)
	setInt(&cfg.LookbackCount, fc.Batching.LookbackCount)
	setInt(&cfg.SweepConcurrency, fc.Batching.SweepConcurrency)
	setInt(&cfg.AIMaxTokens, fc.AI.MaxTokens)
	if fc.AI.MinWords != nil {
		cfg.AIMinWords = *fc.AI.MinWords
	}
	if fc.AI.Enabled != nil {
		cfg.AIEnabled = *fc.AI.Enabled
	}
	if fc.Batching.RedactPII != nil {
		cfg.RedactPII = *fc.Batching.RedactPII
	}
	if len(fc.Batching.StoreKeywords) > 0 {
		cfg.StoreKeywords = splitList(strings.Join(fc.Batching.StoreKeywords, ","))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
