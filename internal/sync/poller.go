package sync

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
)

// SyncState represents the current state of a source sync operation.
type SyncState int

const (
	SyncIdle SyncState = iota
	SyncRunning
	SyncError
)

func (s SyncState) String() string {
	switch s {
	case SyncRunning:
		return "running"
	case SyncError:
		return "error"
	default:
		return "idle"
	}
}

// SyncStatus holds the sync state for a single source.
type SyncStatus struct {
	Name     string
	State    SyncState
	LastSync time.Time
	Error    error
}

// Result is delivered on the results channel when a poll completes.
type Result struct {
	Source string
	Report *SyncReport
	Error  error

	// AuthFailed is set when the remote rejected the credentials.
	AuthFailed bool
}

// AfterSyncFunc runs after every successful sync of a source, typically
// index maintenance for the synced account.
type AfterSyncFunc func(ctx context.Context, report *SyncReport) error

// defaultPollInterval applies when neither the source nor the poller sets one.
const defaultPollInterval = 300 * time.Second

// syncTimeout is the maximum time allowed for a single sync.
const syncTimeout = 10 * time.Minute

// sourceEntry holds a registered source and its configuration.
type sourceEntry struct {
	name  string
	coord *Coordinator
	cfg   model.SourceConfig
}

// Poller periodically syncs registered sources. Syncs of the same account
// never overlap.
type Poller struct {
	sources   []sourceEntry
	statuses  map[string]*SyncStatus
	accounts  map[string]*gosync.Mutex
	resultCh  chan Result
	triggerCh chan string
	interval  time.Duration
	afterSync AfterSyncFunc
	logger    *slog.Logger
	mu        gosync.Mutex
	running   bool
}

// NewPoller creates a Poller. interval is the default poll interval for
// sources that do not set their own.
func NewPoller(interval time.Duration, afterSync AfterSyncFunc, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Poller{
		statuses:  make(map[string]*SyncStatus),
		accounts:  make(map[string]*gosync.Mutex),
		resultCh:  make(chan Result, 16),
		triggerCh: make(chan string, 16),
		interval:  interval,
		afterSync: afterSync,
		logger:    logger,
	}
}

// RegisterSource adds a coordinator and its source configuration and
// returns the name the source is polled under. Sources are named after
// their account; further sources for the same account get a "#n" suffix.
// Disabled sources are ignored and get an empty name.
func (p *Poller) RegisterSource(coord *Coordinator, cfg model.SourceConfig) string {
	if !cfg.Enabled {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base := cfg.Account
	if base == "" {
		base = fmt.Sprintf("source-%d", len(p.sources)+1)
	}
	name := base
	for n := 2; p.statuses[name] != nil; n++ {
		name = fmt.Sprintf("%s#%d", base, n)
	}
	if name != base {
		p.logger.Info("account already has a source, registered under a suffix", "source", base, "name", name)
	}

	p.sources = append(p.sources, sourceEntry{name: name, coord: coord, cfg: cfg})
	p.statuses[name] = &SyncStatus{Name: name, State: SyncIdle}
	return name
}

// Results returns the channel on which poll results are delivered. Results
// are dropped when nobody reads them.
func (p *Poller) Results() <-chan Result {
	return p.resultCh
}

// Run polls every registered source until ctx is cancelled. Each source
// is synced once immediately.
func (p *Poller) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller already running")
	}
	p.running = true
	sources := make([]sourceEntry, len(p.sources))
	copy(sources, p.sources)
	p.mu.Unlock()

	if len(sources) == 0 {
		return fmt.Errorf("no enabled sources configured")
	}

	triggers := make(map[string]chan struct{}, len(sources))
	for _, entry := range sources {
		triggers[entry.name] = make(chan struct{}, 1)
	}

	var wg gosync.WaitGroup
	for _, entry := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.pollSource(ctx, entry, triggers[entry.name])
		}()
	}

	// Fan triggers out to the per-source loops.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case name := <-p.triggerCh:
				for n, ch := range triggers {
					if name != "" && name != n {
						continue
					}
					select {
					case ch <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	wg.Wait()

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return ctx.Err()
}

// RefreshAll triggers an immediate poll of all registered sources.
func (p *Poller) RefreshAll() {
	p.RefreshSource("")
}

// RefreshSource triggers an immediate poll of one source by name.
func (p *Poller) RefreshSource(name string) {
	select {
	case p.triggerCh <- name:
	default:
	}
}

// GetStatuses returns the current sync status of all registered sources.
func (p *Poller) GetStatuses() []SyncStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	statuses := make([]SyncStatus, 0, len(p.sources))
	for _, entry := range p.sources {
		statuses = append(statuses, *p.statuses[entry.name])
	}
	return statuses
}

// pollSource runs the polling loop for a single source.
func (p *Poller) pollSource(ctx context.Context, entry sourceEntry, trigger <-chan struct{}) {
	interval := time.Duration(entry.cfg.PollIntervalSec) * time.Second
	if interval <= 0 {
		interval = p.interval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.PollOnce(ctx, entry.name)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx, entry.name)
		case <-trigger:
			p.PollOnce(ctx, entry.name)
		}
	}
}

// PollOnce syncs one source by name, runs the after-sync hook and
// publishes the result.
func (p *Poller) PollOnce(ctx context.Context, name string) Result {
	entry, ok := p.entry(name)
	if !ok {
		return Result{Source: name, Error: fmt.Errorf("unknown source %q", name)}
	}

	lock := p.accountLock(entry.cfg.Account)
	lock.Lock()
	defer lock.Unlock()

	p.setStatus(name, SyncRunning, nil)

	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	report, err := entry.coord.Sync(ctx, SyncRequest{
		Account:    entry.cfg.Account,
		MaxResults: entry.cfg.MaxResults,
		ForceFull:  entry.cfg.ForceFull,
		LabelIDs:   entry.cfg.LabelIDs,
		LabelNames: entry.cfg.Labels,
	})
	if err != nil {
		p.setStatus(name, SyncError, err)
		res := Result{Source: name, Error: err, AuthFailed: remote.IsAuthError(err)}
		p.logger.Error("sync failed", "source", name, "auth", res.AuthFailed, "err", err)
		p.sendResult(res)
		return res
	}

	if p.afterSync != nil {
		if err := p.afterSync(ctx, report); err != nil {
			p.logger.Warn("post-sync maintenance failed", "source", name, "account", report.Account, "err", err)
		}
	}

	p.setStatus(name, SyncIdle, nil)
	res := Result{Source: name, Report: report}
	p.sendResult(res)
	return res
}

func (p *Poller) entry(name string) (sourceEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.sources {
		if e.name == name {
			return e, true
		}
	}
	return sourceEntry{}, false
}

// accountLock returns the mutex serialising syncs of account. Sources
// without an explicit account share one lock.
func (p *Poller) accountLock(account string) *gosync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.accounts[account]
	if !ok {
		l = &gosync.Mutex{}
		p.accounts[account] = l
	}
	return l
}

// setStatus updates the sync status for a source.
func (p *Poller) setStatus(name string, state SyncState, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, ok := p.statuses[name]
	if !ok {
		return
	}

	status.State = state
	status.Error = err
	if state == SyncIdle && err == nil {
		status.LastSync = time.Now()
	}
}

// sendResult sends a Result on the result channel without blocking.
func (p *Poller) sendResult(res Result) {
	select {
	case p.resultCh <- res:
	default:
		// Drop if channel is full to avoid blocking the poller
	}
}
