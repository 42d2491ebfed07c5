// Package app wires the configured pieces of semvid together.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/mmcdole/semvid/internal/cache"
	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/domain"
	"github.com/mmcdole/semvid/internal/hosts"
	"github.com/mmcdole/semvid/internal/hosts/transport"
	"github.com/mmcdole/semvid/internal/manifest"
	"github.com/mmcdole/semvid/internal/repository"
	"github.com/mmcdole/semvid/internal/retry"
	"github.com/mmcdole/semvid/internal/store"
)

// App holds everything a command needs. Build it with New and Close it when
// done.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	HTTP   domain.Doer
	Codec  *manifest.Codec
	Hosts  []domain.VideoHost
	Ledger *store.Ledger
	Repo   *repository.Repository
	Cache  *cache.Repository
	Retry  retry.Policy
}

// Options overrides parts of the wiring
type Options struct {
	HTTP     domain.Doer
	Observer domain.SyncObserver
}

// New builds the app from cfg. Hosts are created in configuration order,
// which is also their sync priority.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	doer := opts.HTTP
	if doer == nil {
		doer = transport.NewHTTPClient()
	}

	prefetch, err := cache.ParsePrefetch(cfg.Cache.Prefetch)
	if err != nil {
		return nil, err
	}

	hostList, err := hosts.NewAll(ctx, cfg.Hosts, doer, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create hosts: %w", err)
	}

	ledger, err := store.OpenLedger(cfg.Storage.Ledger)
	if err != nil {
		return nil, err
	}

	codec := manifest.NewCodec(doer, logger)
	repo := repository.New(
		repository.Dirs{Local: cfg.Storage.LocalDir, Cache: cfg.Storage.CacheDir},
		hostList, codec, ledger, logger,
		repository.Options{
			MaxMergeAttempts: cfg.Sync.MaxMergeAttempts,
			Merger:           mergerFor(cfg.Sync.MergeStrategy, logger),
			Observer:         opts.Observer,
		},
	)

	logger.Info("app ready",
		"hosts", len(hostList),
		"local_dir", cfg.Storage.LocalDir,
		"cache_dir", cfg.Storage.CacheDir,
		"ledger", ledgerLabel(cfg.Storage.Ledger))

	return &App{
		Config: cfg,
		Logger: logger,
		HTTP:   doer,
		Codec:  codec,
		Hosts:  hostList,
		Ledger: ledger,
		Repo:   repo,
		Cache: cache.New(repo, cache.Options{
			Expiry:   cfg.Cache.Expiry,
			Prefetch: prefetch,
			Logger:   logger,
		}),
		Retry: retry.FromConfig(cfg.Sync.Retry, logger),
	}, nil
}

func mergerFor(strategy string, logger *slog.Logger) repository.Merger {
	if strategy == config.MergeLocalWins {
		logger.Warn("merge strategy is local: host changes to edited videos will be overwritten")
		return repository.MergerFunc(repository.LocalWins)
	}
	return repository.ThreeWay{Logger: logger}
}

func ledgerLabel(path string) string {
	if path == "" {
		return "memory"
	}
	return filepath.Base(path)
}

// Sync refreshes online, retrying while every host is unreachable
func (a *App) Sync(ctx context.Context) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := a.Retry.Do(ctx, "sync", func(ctx context.Context) error {
		var err error
		snap, err = a.Repo.RefreshOnline(ctx)
		return err
	})
	return snap, err
}

// Close releases the ledger
func (a *App) Close() error {
	return a.Ledger.Close()
}
