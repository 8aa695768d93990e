package app

import (
	"context"
	"fmt"
	"time"

	"github.com/kws/mailindexer/internal/remote"
	"github.com/kws/mailindexer/internal/remote/gmail"
	"github.com/kws/mailindexer/internal/remote/imapfeed"
	appsync "github.com/kws/mailindexer/internal/sync"
)

// Remote types accepted in remote.type.
const (
	remoteGmail = "gmail"
	remoteIMAP  = "imap"
)

// configuredFeed builds the feed selected by remote.type. Credentials are
// loaded from the system keyring with environment fallbacks.
func (a *App) configuredFeed(_ context.Context, account string) (remote.Feed, error) {
	switch a.cfg.Remote.Type {
	case remoteGmail, "":
		timeout := time.Duration(a.cfg.Remote.TimeoutSec) * time.Second
		return gmail.NewClient(a.cfg.Remote.BaseURL, a.credentials().GmailTokens(account), timeout), nil

	case remoteIMAP:
		cfg := a.cfg.IMAP
		if cfg.Host == "" {
			return nil, fmt.Errorf("imap.host is not configured")
		}
		user := cfg.Username
		if user == "" {
			user = account
		}
		key := account
		if key == "" {
			key = user
		}
		password, err := a.credentials().IMAPPassword(key)
		if err != nil {
			return nil, fmt.Errorf("loading imap password for %s: %w", key, err)
		}
		return imapfeed.New(imapfeed.Config{
			Host:               cfg.Host,
			Port:               cfg.Port,
			Username:           user,
			Password:           password,
			TLS:                cfg.TLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Mailbox:            cfg.Mailbox,
		}), nil

	default:
		return nil, fmt.Errorf("unsupported remote type %q", a.cfg.Remote.Type)
	}
}

// registerSources registers each enabled configured source with the
// poller and returns how many were registered. A source whose feed cannot
// be built is skipped with a warning.
func (a *App) registerSources(ctx context.Context, p *appsync.Poller, account string) int {
	sources := a.cfg.Sources
	if account != "" {
		sources = nil
		for _, src := range a.cfg.Sources {
			if src.Account == account {
				sources = append(sources, src)
			}
		}
		if len(sources) == 0 {
			sources = append(sources, a.source(account))
		}
	}

	registered := 0
	for _, src := range sources {
		if !src.Enabled {
			continue
		}
		coord, err := a.coordinator(ctx, src.Account)
		if err != nil {
			a.logger.Warn("skipping source", "account", src.Account, "err", err)
			continue
		}
		p.RegisterSource(coord, src)
		registered++
	}
	return registered
}
