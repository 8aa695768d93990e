package index

import (
	"context"
	"fmt"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
)

// Statistics reports index totals for account (every account when empty)
// and the topN addresses by message count.
func (m *Maintainer) Statistics(ctx context.Context, account string, topN int) (*Statistics, error) {
	st := &Statistics{Account: account}

	var err error
	if st.TotalMessages, err = m.store.CountMessageKeys(ctx, store.MessageQuery{Account: account}); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	if st.TotalIndexedAddresses, err = m.store.CountAddresses(ctx); err != nil {
		return nil, fmt.Errorf("counting addresses: %w", err)
	}
	if st.TotalRelationships, err = m.store.CountRelationships(ctx, account); err != nil {
		return nil, fmt.Errorf("counting relationships: %w", err)
	}
	if st.FieldDistribution, err = m.store.RoleDistribution(ctx, account); err != nil {
		return nil, fmt.Errorf("computing role distribution: %w", err)
	}
	if topN > 0 {
		if st.TopAddresses, err = m.store.TopAddresses(ctx, topN); err != nil {
			return nil, fmt.Errorf("listing top addresses: %w", err)
		}
	}
	return st, nil
}

// SearchContacts finds addresses containing pattern, most frequent first.
func (m *Maintainer) SearchContacts(ctx context.Context, pattern string, limit int) ([]model.IndexedAddress, error) {
	addrs, err := m.store.SearchAddresses(ctx, model.NormalizeEmail(pattern), limit)
	if err != nil {
		return nil, fmt.Errorf("searching contacts for %q: %w", pattern, err)
	}
	return addrs, nil
}

// MessagesForAddress lists messages referencing email, newest first,
// optionally restricted to roles.
func (m *Maintainer) MessagesForAddress(ctx context.Context, email string, roles []model.Role, limit int) ([]model.Message, error) {
	msgs, err := m.store.MessagesForAddress(ctx, model.NormalizeEmail(email), roles, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages for %s: %w", email, err)
	}
	return msgs, nil
}

// ContactStatistics describes one address. found is false when the
// address is not indexed.
func (m *Maintainer) ContactStatistics(ctx context.Context, email string) (*ContactStatistics, bool, error) {
	addr, found, err := m.store.GetAddress(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("getting contact %s: %w", email, err)
	}
	if !found {
		return nil, false, nil
	}

	counts, err := m.store.RoleCountsForAddress(ctx, addr.Email)
	if err != nil {
		return nil, false, fmt.Errorf("counting roles for %s: %w", email, err)
	}
	fields := make(map[model.Role]int, len(counts))
	for role, n := range counts {
		if n > 0 {
			fields[role] = n
		}
	}
	return &ContactStatistics{Address: *addr, FieldCounts: fields}, true, nil
}

// HealthCheck validates the index and suggests repairs.
func (m *Maintainer) HealthCheck(ctx context.Context, account string, topN int) (*HealthReport, error) {
	v, err := m.Validate(ctx, account)
	if err != nil {
		return nil, err
	}
	st, err := m.Statistics(ctx, account, topN)
	if err != nil {
		return nil, err
	}

	report := &HealthReport{
		Validation:      v,
		Statistics:      st,
		Recommendations: []string{},
	}
	switch issues := v.TotalIssues(); {
	case issues == 0:
		report.Status = HealthHealthy
	case issues < criticalIssueThreshold:
		report.Status = HealthWarning
	default:
		report.Status = HealthCritical
	}

	if v.MissingMessages > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("run fix-missing to index %d missing messages", v.MissingMessages))
	}
	if v.StaleMessages > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("run fix-missing to reindex %d messages whose content changed", v.StaleMessages))
	}
	if v.OrphanedAddresses > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("run cleanup to remove %d orphaned addresses", v.OrphanedAddresses))
	}
	if v.InconsistentCounts > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("run cleanup to fix %d inconsistent counts", v.InconsistentCounts))
	}
	return report, nil
}
