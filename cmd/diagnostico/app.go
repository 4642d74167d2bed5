package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/accounts"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/config"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/embed"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/llm"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore/rest"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

// loadConfig resolves configuration from the --config flag, the
// environment and bound command flags, then validates it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWith(v, v.GetString("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := logging.ParseLevel(cfg.Log.Level)
	if v.GetBool("verbose") {
		level = slog.LevelDebug
	}
	return logging.New(level, cfg.Log.Format)
}

func newManager(cfg *config.Config, log *logging.Logger, rec metrics.Recorder) *vectorstore.Manager {
	driver := rest.NewDriver(rest.Config{
		Scheme:    cfg.VectorStore.Scheme,
		UserAgent: version.UserAgent(),
	})
	return vectorstore.NewManager(driver, vectorstore.ManagerConfig{
		Primary:    cfg.VectorStore.Primary(),
		Alternates: cfg.VectorStore.Alternates(),
		Policy:     cfg.Retry.Policy(),
		KeepAlive:  cfg.VectorStore.KeepAlive,
		Prober: vectorstore.NewProber(vectorstore.ProberConfig{
			Timeout: cfg.VectorStore.ProbeTimeout,
			Logger:  log,
		}),
		Logger:  log,
		Metrics: rec,
	})
}

func embedOptions(cfg *config.Config) embed.Options {
	return embed.Options{
		Provider:   cfg.Embedding.Provider,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		URL:        cfg.Embedding.OllamaURL,
		APIKey:     cfg.Embedding.OpenAIAPIKey,
		BaseURL:    cfg.Embedding.OpenAIBaseURL,
		CacheSize:  cfg.Embedding.CacheSize,
		CacheTTL:   cfg.Embedding.CacheTTL,
	}
}

func llmOptions(cfg *config.Config) llm.Options {
	return llm.Options{
		Provider:    cfg.LLM.Provider,
		Model:       cfg.LLM.Model,
		URL:         cfg.LLM.OllamaURL,
		APIKey:      cfg.LLM.OpenAIAPIKey,
		BaseURL:     cfg.LLM.OpenAIBaseURL,
		Timeout:     cfg.LLM.Timeout,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	}
}

// app is the wired diagnosis stack shared by serve, mcp and import.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Prometheus
	manager *vectorstore.Manager
	service *diagnosis.Service
}

func newApp(cfg *config.Config) (*app, error) {
	log := newLogger(cfg)
	prom := metrics.NewPrometheus()

	rebuild, err := vectorstore.ParseRebuildPolicy(cfg.VectorStore.RebuildPolicy)
	if err != nil {
		return nil, err
	}

	embedder, err := embed.New(embedOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}
	generator, err := llm.New(llmOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create generator: %w", err)
	}

	manager := newManager(cfg, log, prom)
	service := diagnosis.New(manager, embedder, generator, diagnosis.Config{
		Collection:        cfg.VectorStore.Collection,
		Rebuild:           rebuild,
		Policy:            cfg.Retry.Policy(),
		InitRetryInterval: cfg.Server.InitRetryInterval,
		LLMTimeout:        cfg.LLM.Timeout,
		Logger:            log,
		Metrics:           prom,
	})

	return &app{
		cfg:     cfg,
		log:     log,
		metrics: prom,
		manager: manager,
		service: service,
	}, nil
}

func (a *app) openAccounts() (*accounts.Store, error) {
	store, err := accounts.Open(a.cfg.Accounts.DBPath, accounts.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open accounts database: %w", err)
	}
	return store, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.service.Close(ctx); err != nil {
		a.log.WarnContext(ctx, "disconnect failed", "error", err)
	}
}
