package index

import (
	"github.com/kws/mailindexer/internal/model"
)

// BulkResult summarises a BulkIndex run.
type BulkResult struct {
	Total         int `json:"total"`
	Processed     int `json:"processed"`
	Errors        int `json:"errors"`
	Relationships int `json:"relationships"`
	CountsUpdated int `json:"counts_updated"`
}

// ValidationReport is a read-only snapshot of index health.
type ValidationReport struct {
	Account string `json:"account,omitempty"`

	TotalMessages int `json:"total_messages"`

	// MissingMessages have no relationships and were never indexed, or
	// were indexed with addresses that have since been lost.
	MissingMessages int `json:"missing_messages"`

	// StaleMessages were indexed from content that has since changed.
	StaleMessages int `json:"stale_messages"`

	OrphanedAddresses  int `json:"orphaned_addresses"`
	InconsistentCounts int `json:"inconsistent_counts"`
}

// TotalIssues sums every problem category.
func (r *ValidationReport) TotalIssues() int {
	return r.MissingMessages + r.StaleMessages + r.OrphanedAddresses + r.InconsistentCounts
}

// IsValid reports whether the index has no issues.
func (r *ValidationReport) IsValid() bool {
	return r.TotalIssues() == 0
}

// FixReport summarises a FixMissing run.
type FixReport struct {
	ProcessedCount int `json:"processed_count"`
	ErrorCount     int `json:"error_count"`
	MissingCount   int `json:"missing_count"`
	StaleCount     int `json:"stale_count"`
}

// CleanupReport summarises a MaintenanceCleanup run.
type CleanupReport struct {
	OrphanedRemoved int `json:"orphaned_removed"`
	CountsUpdated   int `json:"counts_updated"`
}

// RebuildReport summarises a Rebuild run.
type RebuildReport struct {
	RelationshipsCleared int        `json:"relationships_cleared"`
	OrphanedRemoved      int        `json:"orphaned_removed"`
	Bulk                 BulkResult `json:"bulk"`
}

// MaintainReport summarises one periodic maintenance pass.
type MaintainReport struct {
	Validation *ValidationReport `json:"validation"`

	// Fix and Cleanup are nil when the validation found nothing to repair.
	Fix     *FixReport     `json:"fix,omitempty"`
	Cleanup *CleanupReport `json:"cleanup,omitempty"`
}

// Statistics describes the size and shape of the index.
type Statistics struct {
	Account               string                 `json:"account,omitempty"`
	TotalMessages         int                    `json:"total_messages"`
	TotalIndexedAddresses int                    `json:"total_indexed_addresses"`
	TotalRelationships    int                    `json:"total_relationships"`
	FieldDistribution     map[model.Role]int     `json:"field_distribution"`
	TopAddresses          []model.IndexedAddress `json:"top_addresses"`
}

// ContactStatistics describes one indexed address.
type ContactStatistics struct {
	Address model.IndexedAddress `json:"address"`

	// FieldCounts holds only roles with at least one relationship.
	FieldCounts map[model.Role]int `json:"field_counts"`
}

// Health levels reported by HealthCheck.
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// criticalIssueThreshold is the issue count from which health is critical.
const criticalIssueThreshold = 10

// HealthReport combines validation and statistics with suggested actions.
type HealthReport struct {
	Status          string            `json:"status"`
	Validation      *ValidationReport `json:"validation"`
	Statistics      *Statistics       `json:"statistics"`
	Recommendations []string          `json:"recommendations"`
}
