// Package app wires configuration, the store, remote feeds, the sync
// coordinator and the index maintainer into the mailindexer command line.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kws/mailindexer/internal/credential"
	"github.com/kws/mailindexer/internal/index"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
	"github.com/kws/mailindexer/internal/store"
	appsync "github.com/kws/mailindexer/internal/sync"
)

// FeedFactory builds the remote feed serving account. An empty account
// selects the feed's own default identity.
type FeedFactory func(ctx context.Context, account string) (remote.Feed, error)

// App holds the long-lived dependencies shared by every command.
type App struct {
	cfg    *model.AppConfig
	store  *store.SQLStore
	logger *slog.Logger
	out    io.Writer

	feeds FeedFactory
	vault *credential.Vault
}

// New opens the configured store. feeds may be nil to build feeds from the
// remote configuration section.
func New(ctx context.Context, cfg *model.AppConfig, logger *slog.Logger, out io.Writer, feeds FeedFactory) (*App, error) {
	if cfg.Database.Driver == store.DriverSQLite && cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	s, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, store: s, logger: logger, out: out, feeds: feeds}
	if a.feeds == nil {
		a.feeds = a.configuredFeed
	}
	return a, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

// credentials opens the system keyring once. When no keyring backend is
// available only environment variables are consulted.
func (a *App) credentials() *credential.Vault {
	if a.vault != nil {
		return a.vault
	}
	v, err := credential.Open()
	if err != nil {
		a.logger.Warn("keyring unavailable, using environment credentials only", "err", err)
		v = credential.NewVault(nil)
	}
	a.vault = v
	return v
}

// coordinator builds a sync coordinator for account.
func (a *App) coordinator(ctx context.Context, account string) (*appsync.Coordinator, error) {
	feed, err := a.feeds(ctx, account)
	if err != nil {
		return nil, err
	}
	return appsync.NewCoordinator(a.store, feed, appsync.OptionsFromConfig(a.cfg.Sync), a.logger), nil
}

func (a *App) maintainer() *index.Maintainer {
	return index.NewMaintainer(a.store, index.OptionsFromConfig(a.cfg.Index), a.logger)
}

// source returns the configured source for account, or a bare one.
func (a *App) source(account string) model.SourceConfig {
	for _, src := range a.cfg.Sources {
		if src.Account == account {
			return src
		}
	}
	if account == "" && len(a.cfg.Sources) > 0 {
		return a.cfg.Sources[0]
	}
	return model.SourceConfig{Account: account, Enabled: true}
}
