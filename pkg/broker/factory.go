package broker

import (
	"context"
	"fmt"
	"log"

	"github.com/coachpo/yapper/internal/dispatcher"
	"github.com/coachpo/yapper/internal/domain/eventstore"
	"github.com/coachpo/yapper/internal/infra/config"
	"github.com/coachpo/yapper/internal/infra/persistence/migrations"
	"github.com/coachpo/yapper/internal/infra/persistence/postgres"
	"github.com/coachpo/yapper/internal/infra/persistence/sqlite"
	"github.com/coachpo/yapper/internal/infra/telemetry"
)

// Open builds a broker from configuration. The environment selects the
// backend: development and testing use the embedded store, staging and
// production the networked one. The opened store is owned by the broker and
// closed by Stop. Options passed here override the configured ones.
func Open(ctx context.Context, cfg config.AppConfig, opts ...Option) (*Broker, error) {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend, err := cfg.Backend()
	if err != nil {
		return nil, err
	}

	store, label, err := openStore(ctx, backend, cfg)
	if err != nil {
		return nil, err
	}

	pollInterval := cfg.Poll.Interval
	if cfg.Poll.Disabled {
		pollInterval = 0
	}
	base := []Option{
		withOwnedStore(label),
		WithDispatchConfig(dispatcher.Config{
			Workers:        cfg.Dispatch.Workers,
			QueueSize:      cfg.Dispatch.QueueSize,
			HandlerTimeout: cfg.Dispatch.HandlerTimeout,
			MaxDepth:       cfg.Dispatch.MaxDepth,
		}),
		WithStopGrace(cfg.Dispatch.StopGrace),
		WithEmitRate(cfg.Emit.Rate, cfg.Emit.Burst),
		WithReplay(cfg.Replay.Since),
		WithRetention(cfg.Retention.MaxAge, cfg.Retention.Interval),
		WithPolling(pollInterval, cfg.Poll.Lookback),
	}
	b, err := New(cfg.ClientID, store, append(base, opts...)...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return b, nil
}

func openStore(ctx context.Context, backend config.Backend, cfg config.AppConfig) (eventstore.Store, string, error) {
	switch backend {
	case config.BackendEmbedded:
		store, err := sqlite.Open(ctx, cfg.Store.Path)
		if err != nil {
			return nil, "", fmt.Errorf("open embedded store: %w", err)
		}
		return store, telemetry.BackendSQLite, nil
	case config.BackendNetworked:
		if !cfg.Store.SkipMigrations {
			logger := log.New(log.Writer(), "yapper-migrate ", log.LstdFlags|log.Lmicroseconds)
			if err := migrations.Apply(ctx, cfg.Store.URI, migrations.Embedded, logger); err != nil {
				return nil, "", fmt.Errorf("apply migrations: %w", err)
			}
		}
		store, err := postgres.Open(ctx, cfg.Store.URI,
			postgres.WithMaxConns(cfg.Store.MaxConns),
			postgres.WithRetry(cfg.Store.RetryAttempts, 0),
			postgres.WithPoolName(cfg.ClientID))
		if err != nil {
			return nil, "", fmt.Errorf("open networked store: %w", err)
		}
		return store, telemetry.BackendPostgres, nil
	default:
		return nil, "", fmt.Errorf("unsupported backend: %s", backend)
	}
}
