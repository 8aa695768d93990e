// Package index maintains the address index derived from stored messages:
// which addresses appear in which messages under which header role, and
// per-address message statistics.
package index

import (
	"context"
	"fmt"
	"log/slog"
	gosync "sync"

	"golang.org/x/sync/errgroup"

	"github.com/kws/mailindexer/internal/mailheader"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
)

// Options tunes bulk operations.
type Options struct {
	// BatchSize is the default number of messages loaded per batch.
	BatchSize int

	// Workers is the number of batches indexed concurrently.
	Workers int
}

// DefaultOptions returns the maintainer defaults.
func DefaultOptions() Options {
	return Options{BatchSize: 100, Workers: 1}
}

// OptionsFromConfig builds Options from the index config section.
func OptionsFromConfig(cfg model.IndexConfig) Options {
	opts := DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.Workers > 0 {
		opts.Workers = cfg.Workers
	}
	return opts
}

// Maintainer builds, validates and repairs the address index.
type Maintainer struct {
	store  store.Store
	opts   Options
	logger *slog.Logger
}

// NewMaintainer creates a Maintainer. A nil logger discards output.
func NewMaintainer(s store.Store, opts Options, logger *slog.Logger) *Maintainer {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Maintainer{store: s, opts: opts, logger: logger}
}

// IndexMessage replaces the message's relationships with those derived
// from its current headers and returns how many were created. It is
// idempotent. When updateCounts is set, statistics of every address the
// message referenced before or after are recomputed.
func (m *Maintainer) IndexMessage(ctx context.Context, msg *model.Message, updateCounts bool) (int, error) {
	h, err := mailheader.Parse(msg.Raw)
	if err != nil {
		return 0, fmt.Errorf("parsing headers of %s/%s: %w", msg.Account, msg.ID, err)
	}

	digest := msg.ContentDigest
	if digest == "" {
		digest = model.Digest(msg.Raw)
	}

	key := msg.Key()
	if err := m.store.ReplaceMessageAddresses(ctx, key, h.Entries, digest, updateCounts); err != nil {
		return 0, fmt.Errorf("indexing %s/%s: %w", msg.Account, msg.ID, err)
	}

	if h.Subject != msg.Subject || h.MessageID != msg.RFC822MessageID {
		if err := m.store.UpdateMessageHeaders(ctx, key, h.Subject, h.MessageID); err != nil {
			return 0, fmt.Errorf("refreshing headers of %s/%s: %w", msg.Account, msg.ID, err)
		}
		msg.Subject, msg.RFC822MessageID = h.Subject, h.MessageID
	}

	msg.IndexedDigest = digest
	return len(h.Entries), nil
}

// BulkIndex indexes every message matched by q. Keys are listed once up
// front and then loaded and indexed batch by batch; each message is its
// own atomic unit and failures are counted, not returned. Statistics are
// recomputed once at the end.
func (m *Maintainer) BulkIndex(ctx context.Context, q store.MessageQuery, batchSize int) (*BulkResult, error) {
	if batchSize <= 0 {
		batchSize = m.opts.BatchSize
	}

	keys, err := m.store.ListMessageKeys(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing messages to index: %w", err)
	}
	result := &BulkResult{Total: len(keys)}
	if len(keys) == 0 {
		return result, nil
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)

	for start := 0; start < len(keys); start += batchSize {
		if err := ctx.Err(); err != nil {
			break
		}
		batch := keys[start:min(start+batchSize, len(keys))]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			processed, failed, rels := m.indexBatch(gctx, batch)

			mu.Lock()
			result.Processed += processed
			result.Errors += failed
			result.Relationships += rels
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return result, err
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}

	updated, err := m.RecomputeAllCounts(ctx)
	if err != nil {
		return result, err
	}
	result.CountsUpdated = updated

	m.logger.Info("bulk index completed",
		"total", result.Total,
		"processed", result.Processed,
		"errors", result.Errors,
		"relationships", result.Relationships,
		"counts_updated", result.CountsUpdated,
	)
	return result, nil
}

// indexBatch loads and indexes one batch of keys.
func (m *Maintainer) indexBatch(ctx context.Context, keys []model.MessageKey) (processed, failed, relationships int) {
	msgs, err := m.store.GetMessagesByKeys(ctx, keys)
	if err != nil {
		m.logger.Error("loading batch failed", "size", len(keys), "err", err)
		return 0, len(keys), 0
	}

	// Messages deleted since the keys were listed are skipped silently.
	for i := range msgs {
		n, err := m.IndexMessage(ctx, &msgs[i], false)
		if err != nil {
			m.logger.Warn("indexing message failed", "account", msgs[i].Account, "message", msgs[i].ID, "err", err)
			failed++
			continue
		}
		processed++
		relationships += n
	}
	return processed, failed, relationships
}

// RecomputeAllCounts recomputes message count, first and last seen of every
// address from its relationships and writes back only the rows that
// changed. It returns the number of rows written.
func (m *Maintainer) RecomputeAllCounts(ctx context.Context) (int, error) {
	stats, err := m.store.ComputeAddressStats(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("computing address statistics: %w", err)
	}
	updated, err := m.store.UpdateAddressStats(ctx, stats)
	if err != nil {
		return 0, fmt.Errorf("updating address statistics: %w", err)
	}
	if updated > 0 {
		m.logger.Debug("address statistics updated", "rows", updated)
	}
	return updated, nil
}

// CleanupOrphans deletes every address without relationships.
func (m *Maintainer) CleanupOrphans(ctx context.Context) (int, error) {
	removed, err := m.store.DeleteOrphanAddresses(ctx)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned addresses: %w", err)
	}
	if removed > 0 {
		m.logger.Info("orphaned addresses removed", "count", removed)
	}
	return removed, nil
}

// Validate inspects the index without modifying it. Message counts are
// scoped to account when given; address checks are global.
func (m *Maintainer) Validate(ctx context.Context, account string) (*ValidationReport, error) {
	report := &ValidationReport{Account: account}

	var err error
	if report.TotalMessages, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeAll}); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	if report.MissingMessages, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeMissing}); err != nil {
		return nil, fmt.Errorf("counting unindexed messages: %w", err)
	}
	if report.StaleMessages, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeStale}); err != nil {
		return nil, fmt.Errorf("counting stale messages: %w", err)
	}
	if report.OrphanedAddresses, err = m.store.CountOrphanAddresses(ctx); err != nil {
		return nil, fmt.Errorf("counting orphaned addresses: %w", err)
	}

	stats, err := m.store.ComputeAddressStats(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("computing address statistics: %w", err)
	}
	for _, st := range stats {
		if !st.CountConsistent() {
			report.InconsistentCounts++
		}
	}

	m.logger.Debug("index validated",
		"account", account,
		"messages", report.TotalMessages,
		"missing", report.MissingMessages,
		"stale", report.StaleMessages,
		"orphaned", report.OrphanedAddresses,
		"inconsistent", report.InconsistentCounts,
	)
	return report, nil
}

// FixMissing indexes every missing or stale message. Nothing is written
// when there is nothing to fix.
func (m *Maintainer) FixMissing(ctx context.Context, account string, batchSize int) (*FixReport, error) {
	report := &FixReport{}

	var err error
	if report.MissingCount, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeMissing}); err != nil {
		return nil, fmt.Errorf("counting unindexed messages: %w", err)
	}
	if report.StaleCount, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeStale}); err != nil {
		return nil, fmt.Errorf("counting stale messages: %w", err)
	}
	if report.MissingCount == 0 && report.StaleCount == 0 {
		return report, nil
	}

	m.logger.Info("fixing unindexed messages", "account", account, "missing", report.MissingCount, "stale", report.StaleCount)
	bulk, err := m.BulkIndex(ctx, store.MessageQuery{Account: account, Scope: store.ScopeUnindexed}, batchSize)
	if err != nil {
		return nil, err
	}
	report.ProcessedCount = bulk.Processed
	report.ErrorCount = bulk.Errors
	return report, nil
}

// MaintenanceCleanup removes orphaned addresses and then fixes every
// inconsistent statistic.
func (m *Maintainer) MaintenanceCleanup(ctx context.Context) (*CleanupReport, error) {
	removed, err := m.CleanupOrphans(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := m.RecomputeAllCounts(ctx)
	if err != nil {
		return nil, err
	}
	return &CleanupReport{OrphanedRemoved: removed, CountsUpdated: updated}, nil
}

// Rebuild clears the index for account (every account when empty) and
// indexes all stored messages in that scope again.
func (m *Maintainer) Rebuild(ctx context.Context, account string, batchSize int) (*RebuildReport, error) {
	report := &RebuildReport{}

	cleared, err := m.store.ClearIndex(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("clearing index: %w", err)
	}
	report.RelationshipsCleared = cleared

	if report.OrphanedRemoved, err = m.CleanupOrphans(ctx); err != nil {
		return nil, err
	}

	bulk, err := m.BulkIndex(ctx, store.MessageQuery{Account: account, Scope: store.ScopeAll}, batchSize)
	if err != nil {
		return nil, err
	}
	report.Bulk = *bulk

	m.logger.Info("index rebuilt", "account", account, "cleared", cleared, "indexed", bulk.Processed, "errors", bulk.Errors)
	return report, nil
}

// Maintain is the periodic self-healing pass: validate, then fix missing
// or stale messages and clean up orphans or inconsistent statistics when
// the validation found any.
func (m *Maintainer) Maintain(ctx context.Context, account string) (*MaintainReport, error) {
	v, err := m.Validate(ctx, account)
	if err != nil {
		return nil, err
	}
	report := &MaintainReport{Validation: v}

	if v.MissingMessages > 0 || v.StaleMessages > 0 {
		if report.Fix, err = m.FixMissing(ctx, account, 0); err != nil {
			return report, err
		}
	}
	if v.OrphanedAddresses > 0 || v.InconsistentCounts > 0 {
		if report.Cleanup, err = m.MaintenanceCleanup(ctx); err != nil {
			return report, err
		}
	}
	return report, nil
}
