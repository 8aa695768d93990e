// Package sync keeps the local message replica in step with a remote
// mailbox, incrementally through the remote change history when a cursor
// is available and by a full listing otherwise.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kws/mailindexer/internal/mailheader"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
	"github.com/kws/mailindexer/internal/store"
)

// Options tunes the coordinator.
type Options struct {
	// MaxResults caps the full-sync listing when a request leaves it unset.
	MaxResults int

	// BatchSize is the number of messages processed between cancellation
	// checks during a full sync.
	BatchSize int

	// HistoryPageSize is the page size requested from the change history.
	HistoryPageSize int

	// MaxHistoryPages bounds how many history pages one sync consumes.
	MaxHistoryPages int
}

// DefaultOptions returns the coordinator defaults.
func DefaultOptions() Options {
	return Options{
		MaxResults:      100,
		BatchSize:       50,
		HistoryPageSize: 500,
		MaxHistoryPages: 10,
	}
}

// OptionsFromConfig builds Options from the sync config section, keeping
// defaults for unset values.
func OptionsFromConfig(cfg model.SyncConfig) Options {
	opts := DefaultOptions()
	if cfg.MaxResults > 0 {
		opts.MaxResults = cfg.MaxResults
	}
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.HistoryPageSize > 0 {
		opts.HistoryPageSize = cfg.HistoryPageSize
	}
	if cfg.MaxHistoryPages > 0 {
		opts.MaxHistoryPages = cfg.MaxHistoryPages
	}
	return opts
}

// SyncRequest selects what one Sync call covers.
type SyncRequest struct {
	// Account overrides the identity reported by the remote profile.
	Account string

	MaxResults int
	ForceFull  bool

	// LabelIDs and LabelNames together form the label filter.
	LabelIDs   []string
	LabelNames []string
}

// Coordinator synchronises one remote mailbox into the store. Callers must
// not run two syncs for the same account concurrently.
type Coordinator struct {
	store  store.Store
	feed   remote.Feed
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewCoordinator creates a coordinator. A nil logger discards output.
func NewCoordinator(s store.Store, feed remote.Feed, opts Options, logger *slog.Logger) *Coordinator {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.HistoryPageSize <= 0 {
		opts.HistoryPageSize = def.HistoryPageSize
	}
	if opts.MaxHistoryPages <= 0 {
		opts.MaxHistoryPages = def.MaxHistoryPages
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = def.MaxResults
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		store:  s,
		feed:   feed,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Sync runs an incremental sync when a cursor is stored and a full sync
// otherwise. An expired cursor triggers exactly one full sync. Item-level
// failures are collected in the report; an error is returned only when the
// account cannot be identified, the remote is unreachable before any item
// is processed, the store fails, or ctx is cancelled.
func (c *Coordinator) Sync(ctx context.Context, req SyncRequest) (*SyncReport, error) {
	labelIDs := c.resolveLabels(ctx, req.LabelIDs, req.LabelNames)

	account, err := c.identify(ctx, req.Account)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		RunID:       uuid.New().String(),
		Account:     account,
		LabelFilter: labelIDs,
		StartedAt:   c.now().UTC(),
	}
	logger := c.logger.With("account", account, "run", report.RunID)

	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = c.opts.MaxResults
	}

	cursor, found, err := c.store.GetCursor(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("reading cursor for %s: %w", account, err)
	}

	switch {
	case req.ForceFull || !found || cursor.HistoryToken == "":
		logger.Info("starting full sync", "max_results", maxResults, "labels", labelIDs, "forced", req.ForceFull)
		err = c.fullSync(ctx, report, maxResults, labelIDs)
	default:
		logger.Info("starting incremental sync", "cursor", cursor.HistoryToken, "labels", labelIDs)
		err = c.incrementalSync(ctx, report, cursor.HistoryToken, labelIDs)
		if errors.Is(err, remote.ErrCursorExpired) {
			logger.Warn("history cursor expired, falling back to full sync", "cursor", cursor.HistoryToken)
			report.resetCounters()
			report.FellBack = true
			err = c.fullSync(ctx, report, maxResults, labelIDs)
		}
	}
	if err != nil {
		return nil, err
	}

	report.FinishedAt = c.now().UTC()
	if err := c.store.RecordSyncRun(ctx, report.Run()); err != nil {
		logger.Warn("recording sync run failed", "err", err)
	}

	logger.Info("sync completed",
		"type", report.SyncType,
		"fell_back", report.FellBack,
		"new", report.NewMessages+report.MessagesAdded,
		"updated", report.UpdatedMessages,
		"deleted", report.MessagesDeleted,
		"labels_modified", report.LabelsModified,
		"errors", report.ErrorCount(),
		"cursor", report.Cursor,
	)
	return report, nil
}

// identify returns the explicit account or the remote profile's address.
func (c *Coordinator) identify(ctx context.Context, account string) (string, error) {
	if account != "" {
		return account, nil
	}
	profile, err := c.feed.GetProfile(ctx)
	if err != nil {
		return "", &IdentityError{Err: err}
	}
	if profile.EmailAddress == "" {
		return "", &IdentityError{}
	}
	return profile.EmailAddress, nil
}

// fullSync downloads every listed message and stores the profile's
// history token as the new cursor. A failure reading that token after the
// downloads is reported as an item error.
func (c *Coordinator) fullSync(ctx context.Context, report *SyncReport, maxResults int, labelIDs []string) error {
	report.SyncType = model.SyncTypeFull

	refs, err := c.feed.ListMessages(ctx, maxResults, labelIDs)
	if err != nil {
		return fmt.Errorf("listing messages for %s: %w", report.Account, err)
	}
	report.TotalFound = len(refs)

	for start := 0; start < len(refs); start += c.opts.BatchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+c.opts.BatchSize, len(refs))
		for _, ref := range refs[start:end] {
			created, err := c.download(ctx, report.Account, ref.ID)
			if err != nil {
				c.logger.Warn("message download failed", "account", report.Account, "message", ref.ID, "err", err)
				report.addError(ref.ID, err)
				continue
			}
			if created {
				report.NewMessages++
			} else {
				report.UpdatedMessages++
			}
		}
		c.logger.Debug("full sync batch done", "account", report.Account, "processed", end, "total", len(refs))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Items are stored by now. Without a token the cursor stays unset and
	// the next run is full again.
	profile, err := c.feed.GetProfile(ctx)
	if err != nil {
		c.logger.Warn("reading history token failed, cursor not stored", "account", report.Account, "err", err)
		report.addError("", fmt.Errorf("reading history token: %w", err))
		report.Cursor = ""
		return nil
	}
	return c.saveCursor(ctx, report, profile.HistoryToken)
}

// incrementalSync applies history pages since startToken. It returns
// remote.ErrCursorExpired untouched so Sync can fall back.
func (c *Coordinator) incrementalSync(ctx context.Context, report *SyncReport, startToken string, labelIDs []string) error {
	report.SyncType = model.SyncTypeIncremental

	req := remote.HistoryRequest{
		StartToken: startToken,
		PageSize:   c.opts.HistoryPageSize,
		Types:      remote.SyncHistoryTypes,
	}
	if len(labelIDs) == 1 {
		req.LabelID = labelIDs[0]
	}

	var latest, lastApplied string
	truncated := false
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if page >= c.opts.MaxHistoryPages {
			truncated = true
			c.logger.Info("history page budget reached, resuming next run",
				"account", report.Account, "pages", page)
			break
		}

		resp, err := c.feed.ListHistory(ctx, req)
		if errors.Is(err, remote.ErrCursorExpired) {
			return remote.ErrCursorExpired
		}
		if err != nil {
			if page == 0 {
				return fmt.Errorf("listing history for %s: %w", report.Account, err)
			}
			report.addError("", fmt.Errorf("history page %d: %w", page+1, err))
			truncated = true
			break
		}

		latest = resp.LatestToken
		for _, rec := range resp.Records {
			c.applyRecord(ctx, report, rec, labelIDs)
			report.HistoryRecords++
			if rec.ID != "" {
				lastApplied = rec.ID
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}

	cursor := latest
	if truncated || cursor == "" {
		cursor = lastApplied
	}
	if cursor == "" {
		cursor = startToken
	}
	return c.saveCursor(ctx, report, cursor)
}

// applyRecord applies one change record. Every failure is isolated.
func (c *Coordinator) applyRecord(ctx context.Context, report *SyncReport, rec remote.HistoryRecord, labelIDs []string) {
	account := report.Account

	for _, ref := range rec.Added {
		ok, err := c.matchesFilter(ctx, ref, labelIDs)
		if err != nil {
			report.addError(ref.ID, fmt.Errorf("checking labels: %w", err))
			continue
		}
		if !ok {
			continue
		}
		if _, err := c.download(ctx, account, ref.ID); err != nil {
			report.addError(ref.ID, fmt.Errorf("adding message: %w", err))
			continue
		}
		report.MessagesAdded++
	}

	for _, ref := range rec.Deleted {
		if _, err := c.store.DeleteMessage(ctx, account, ref.ID); err != nil {
			report.addError(ref.ID, fmt.Errorf("deleting message: %w", err))
			continue
		}
		report.MessagesDeleted++
	}

	changes := append(append([]remote.LabelChange{}, rec.LabelsAdded...), rec.LabelsRemoved...)
	report.LabelsModified += len(changes)
	for _, ch := range changes {
		if err := c.refreshLabels(ctx, account, ch.Message.ID); err != nil {
			report.addError(ch.Message.ID, fmt.Errorf("updating labels: %w", err))
		}
	}
}

// matchesFilter reports whether an added message carries any filter label.
// Labels are fetched when the history record omits them.
func (c *Coordinator) matchesFilter(ctx context.Context, ref remote.MessageRef, labelIDs []string) (bool, error) {
	if len(labelIDs) == 0 {
		return true, nil
	}
	labels := ref.LabelIDs
	if labels == nil {
		msg, err := c.feed.GetMessage(ctx, ref.ID, remote.FormatMinimal)
		if err != nil {
			return false, err
		}
		labels = msg.LabelIDs
	}
	return model.HasAnyLabel(labels, labelIDs), nil
}

// refreshLabels updates a stored message's labels from minimal metadata,
// or downloads it when it is not stored yet.
func (c *Coordinator) refreshLabels(ctx context.Context, account, id string) error {
	exists, err := c.store.MessageExists(ctx, account, id)
	if err != nil {
		return err
	}
	if !exists {
		_, err := c.download(ctx, account, id)
		return err
	}

	meta, err := c.feed.GetMessage(ctx, id, remote.FormatMinimal)
	if err != nil {
		return err
	}
	if _, err := c.store.UpdateMessageLabels(ctx, account, id, meta.LabelIDs, meta.HistoryToken); err != nil {
		return err
	}
	return nil
}

// download fetches a message in raw form and upserts it.
func (c *Coordinator) download(ctx context.Context, account, id string) (bool, error) {
	rm, err := c.feed.GetMessage(ctx, id, remote.FormatRaw)
	if err != nil {
		return false, err
	}

	msg := &model.Message{
		Account:      account,
		ID:           rm.ID,
		ThreadID:     rm.ThreadID,
		HistoryToken: rm.HistoryToken,
		Raw:          rm.Raw,
		InternalDate: rm.InternalDate,
		SizeEstimate: rm.SizeEstimate,
		Snippet:      rm.Snippet,
	}
	if msg.ID == "" {
		msg.ID = id
	}
	msg.ApplyLabels(rm.LabelIDs)

	if h, err := mailheader.Parse(rm.Raw); err != nil {
		c.logger.Debug("unreadable message headers", "account", account, "message", id, "err", err)
	} else {
		msg.Subject = h.Subject
		msg.RFC822MessageID = h.MessageID
	}

	created, err := c.store.UpsertMessage(ctx, msg)
	if err != nil {
		return false, fmt.Errorf("storing message: %w", err)
	}
	return created, nil
}

func (c *Coordinator) saveCursor(ctx context.Context, report *SyncReport, token string) error {
	if token == "" {
		c.logger.Warn("remote returned no history token, cursor not stored", "account", report.Account)
		return nil
	}
	if err := c.store.SaveCursor(ctx, model.SyncCursor{
		Account:      report.Account,
		HistoryToken: token,
		LastSyncAt:   c.now().UTC(),
	}); err != nil {
		return fmt.Errorf("saving cursor for %s: %w", report.Account, err)
	}
	report.Cursor = token
	return nil
}

// ResyncMessage downloads one message again regardless of its local state.
func (c *Coordinator) ResyncMessage(ctx context.Context, account, id string) (bool, error) {
	account, err := c.identify(ctx, account)
	if err != nil {
		return false, err
	}
	created, err := c.download(ctx, account, id)
	if err != nil {
		return false, fmt.Errorf("resyncing message %s: %w", id, err)
	}
	c.logger.Info("message resynced", "account", account, "message", id, "created", created)
	return created, nil
}

// ListLabels returns the remote's labels.
func (c *Coordinator) ListLabels(ctx context.Context) ([]model.Label, error) {
	labels, err := c.feed.ListLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing labels: %w", err)
	}
	return labels, nil
}
