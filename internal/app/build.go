package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/antoniostano/discomi/internal/batching"
	"github.com/antoniostano/discomi/internal/config"
	"github.com/antoniostano/discomi/internal/database"
	"github.com/antoniostano/discomi/internal/delivery"
	"github.com/antoniostano/discomi/internal/httpapi"
	"github.com/antoniostano/discomi/internal/observability"
	"github.com/antoniostano/discomi/internal/session"
	"github.com/antoniostano/discomi/internal/summarize"
	"github.com/antoniostano/discomi/internal/users"
)

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Engine  *batching.Engine
	Metrics *observability.Metrics
	Backend database.Driver

	// Cleanup should be called on shutdown to release the session store and user directory.
	Cleanup func() error
}

// BatchingConfig maps runtime settings onto the engine's tuning knobs.
func BatchingConfig(cfg config.Config) batching.Config {
	bc := batching.DefaultConfig()
	bc.IdleWindow = cfg.SessionIdleTimeout
	bc.FlushTimeout = cfg.BatchTimeout
	bc.MaxFragments = cfg.MaxSegmentsPerSession
	bc.LookbackWindow = cfg.LookbackWindow
	bc.LookbackCount = cfg.LookbackCount
	if len(cfg.StoreKeywords) > 0 {
		bc.StoreKeywords = cfg.StoreKeywords
	}
	bc.StartKeyword = cfg.StartKeyword
	bc.EnrichEnabled = cfg.AIEnabled && cfg.OpenAIAPIKey != ""
	bc.MinWords = cfg.AIMinWords
	bc.EnrichTimeout = cfg.AITimeout
	bc.Retention = cfg.SessionRetention
	bc.RedactPII = cfg.RedactPII
	bc.DeliveryTimeout = cfg.DeliveryTimeout
	bc.SweepConcurrency = cfg.SweepConcurrency
	return bc
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	directory, err := users.NewDirectory(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("user directory init failed: %w", err)
	}

	gateway := delivery.NewDiscord(delivery.DiscordConfig{
		Username:  cfg.DiscordUsername,
		AvatarURL: cfg.DiscordAvatarURL,
		Timeout:   cfg.DeliveryTimeout,
		Logger:    logger,
	})

	var summarizer summarize.Summarizer
	if cfg.AIEnabled && cfg.OpenAIAPIKey != "" {
		summarizer = summarize.NewOpenAIClient(summarize.OpenAIConfig{
			APIKey:    cfg.OpenAIAPIKey,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.AIMaxTokens,
			MinWords:  cfg.AIMinWords,
		})
	} else if cfg.AIEnabled {
		logger.Printf("app: OPENAI_API_KEY not set; sending raw transcripts")
	}

	engine, err := batching.NewEngine(BatchingConfig(cfg), batching.Options{
		Store:      store,
		Directory:  directory,
		Gateway:    gateway,
		Summarizer: summarizer,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		_ = directory.Close()
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg, engine, directory, metrics, logger)

	cleanup := func() error {
		return errors.Join(directory.Close(), store.Close())
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Engine:  engine,
		Metrics: metrics,
		Backend: database.DriverFor(cfg.DatabaseURL),
		Cleanup: cleanup,
	}, nil
}
