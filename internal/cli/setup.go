package cli

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/telhawk-triage/common/logging"
	natsclient "github.com/telhawk-systems/telhawk-triage/common/messaging/nats"
	"github.com/telhawk-systems/telhawk-triage/internal/analysis"
	"github.com/telhawk-systems/telhawk-triage/internal/claims"
	"github.com/telhawk-systems/telhawk-triage/internal/config"
	"github.com/telhawk-systems/telhawk-triage/internal/dlq"
	"github.com/telhawk-systems/telhawk-triage/internal/evidence"
	"github.com/telhawk-systems/telhawk-triage/internal/index"
	"github.com/telhawk-systems/telhawk-triage/internal/journal"
	"github.com/telhawk-systems/telhawk-triage/internal/pipeline"
	"github.com/telhawk-systems/telhawk-triage/internal/publish"
	"github.com/telhawk-systems/telhawk-triage/internal/queue"
	"github.com/telhawk-systems/telhawk-triage/internal/storage"
)

// newLogger builds the process logger and installs it as the slog default so
// library code without an injected logger still emits structured records.
func newLogger(cfg *config.Config) *logging.Logger {
	logger := logging.New(
		logging.ParseLevel(cfg.Logging.Level),
		cfg.Logging.Format,
	).With(logging.Service("triage"))
	logging.SetDefault(logger)
	return logger
}

// newQuietLogger keeps operator command output readable: warnings and errors
// only, so tables and JSON are not interleaved with progress logs.
func newQuietLogger(cfg *config.Config) *logging.Logger {
	return logging.New(
		logging.ParseLevel("warn"),
		cfg.Logging.Format,
	).With(logging.Service("triage"))
}

func natsConfig(cfg config.NATSConfig) natsclient.Config {
	return natsclient.Config{
		URL:           cfg.URL,
		Name:          cfg.Name,
		Username:      cfg.Username,
		Password:      cfg.Password,
		Token:         cfg.Token,
		MaxReconnects: cfg.MaxReconnects,
		ReconnectWait: cfg.ReconnectWait,
		Timeout:       cfg.Timeout,
	}
}

func queueConfig(cfg config.QueueConfig) queue.JetStreamConfig {
	return queue.JetStreamConfig{
		Consumer:      cfg.Consumer,
		BatchSize:     cfg.BatchSize,
		FetchWait:     cfg.FetchWait,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.MaxAckPending,
		MaxEmptyPolls: cfg.MaxEmptyPolls,
	}
}

func fetchConfig(cfg config.FetchConfig) evidence.Config {
	return evidence.Config{
		Timeout:          cfg.Timeout,
		MaxConcurrent:    cfg.MaxConcurrent,
		MaxRetries:       cfg.MaxRetries,
		RetryBase:        cfg.RetryBase,
		MaxResponseBytes: cfg.MaxResponseBytes,
		RowLimit:         cfg.RowLimit,
		MetricName:       cfg.MetricName,
		MetricsStep:      cfg.MetricsStep,
	}
}

func storageConfig(cfg config.StorageConfig) storage.Config {
	return storage.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		UseSSL:    cfg.UseSSL,
		Timeout:   cfg.Timeout,
		PublicURL: cfg.PublicURL,
	}
}

func analysisConfig(cfg config.AnalysisConfig) analysis.Config {
	return analysis.Config{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		Model:            cfg.Model,
		MaxTokens:        cfg.MaxTokens,
		Timeout:          cfg.Timeout,
		MaxRetries:       cfg.MaxRetries,
		RetryBase:        cfg.RetryBase,
		MaxEvidenceBytes: cfg.MaxEvidenceBytes,
	}
}

func publishConfig(cfg config.PublishConfig) publish.Config {
	out := publish.DefaultConfig()
	out.Attempts = cfg.Attempts
	out.BackoffBase = cfg.BackoffBase
	out.BackoffCap = cfg.BackoffCap
	out.Jitter = cfg.Jitter
	out.Timeout = cfg.Timeout
	return out
}

// coreDeps holds the pipeline collaborators shared by run and replay. The
// delivery source, dead-letter queue, and publisher differ per command and
// are wired there.
type coreDeps struct {
	store    *storage.MinioStore
	fetcher  *evidence.Fetcher
	analyzer *analysis.Analyzer
	claims   *claims.Store
	journal  journal.Journal
	indexer  *index.Indexer
}

func buildCore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*coreDeps, error) {
	store, err := storage.New(ctx, storageConfig(cfg.Storage), logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	core := &coreDeps{
		store:    store,
		fetcher:  evidence.NewFetcher(fetchConfig(cfg.Fetch), logger),
		analyzer: analysis.New(analysisConfig(cfg.Analysis), logger),
	}

	// A missing Redis only costs duplicate suppression, not correctness, so
	// degrade to disabled claims instead of refusing to start.
	if cfg.Redis.Enabled {
		client, err := claims.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Warn("redis unavailable, duplicate claims disabled", logging.Error(err))
			core.claims = claims.New(nil, 0, false, logger)
		} else {
			core.claims = claims.New(client, cfg.Redis.TTL, true, logger)
		}
	} else {
		core.claims = claims.New(nil, 0, false, logger)
	}

	switch cfg.Journal.Backend {
	case "postgres":
		source := "file://" + cfg.Journal.MigrationsPath
		if err := journal.RunMigrations(source, cfg.Journal.DatabaseURL); err != nil {
			return nil, fmt.Errorf("journal migrations: %w", err)
		}
		j, err := journal.NewPostgresJournal(ctx, cfg.Journal.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		core.journal = j
	case "memory", "":
		core.journal = journal.NewMemoryJournal()
	default:
		return nil, fmt.Errorf("unknown journal backend %q", cfg.Journal.Backend)
	}

	if cfg.Index.Enabled {
		ix, err := index.New(ctx, index.Config{
			URL:      cfg.Index.URL,
			Username: cfg.Index.Username,
			Password: cfg.Index.Password,
			Insecure: cfg.Index.Insecure,
			Index:    cfg.Index.Index,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("index: %w", err)
		}
		core.indexer = ix
	}

	return core, nil
}

// pipelineDeps assembles orchestrator dependencies over the shared core.
func (c *coreDeps) pipelineDeps(deadLetters dlq.Writer, pub pipeline.Publisher) pipeline.Deps {
	deps := pipeline.Deps{
		Fetcher:     c.fetcher,
		Store:       c.store,
		Analyzer:    c.analyzer,
		Publisher:   pub,
		DeadLetters: deadLetters,
		Claims:      c.claims,
		Journal:     c.journal,
	}
	if c.indexer != nil {
		deps.Indexer = c.indexer
	}
	return deps
}

func (c *coreDeps) close() {
	if c.journal != nil {
		_ = c.journal.Close()
	}
	if c.claims != nil {
		_ = c.claims.Close()
	}
}
