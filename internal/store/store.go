package store

import (
	"context"
	"errors"
	"time"

	"github.com/kws/mailindexer/internal/model"
)

// ErrStoreUnavailable is returned when the database cannot be opened or
// reached. It is wrapped with the underlying driver error.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by writes that target a row that does not exist.
var ErrNotFound = errors.New("not found")

// MessageScope narrows a message key listing to an index state.
type MessageScope int

const (
	// ScopeAll selects every message.
	ScopeAll MessageScope = iota

	// ScopeMissing selects messages that have no relationships but should:
	// never indexed, or indexed with addresses that have since been lost.
	ScopeMissing

	// ScopeStale selects messages whose index was built from older content.
	ScopeStale

	// ScopeUnindexed is the union of ScopeMissing and ScopeStale.
	ScopeUnindexed
)

// MessageQuery selects a set of message keys.
type MessageQuery struct {
	// Account restricts to one mailbox; empty means all accounts.
	Account string
	Scope   MessageScope
}

// MessageFilter controls listing of stored messages.
type MessageFilter struct {
	Account     string
	LabelID     string
	UnreadOnly  bool
	StarredOnly bool
	Limit       int
}

// AddressStats pairs an address's stored statistics with the values
// computed from its current relationships.
type AddressStats struct {
	Email string

	StoredCount     int
	StoredFirstSeen time.Time
	StoredLastSeen  time.Time

	ActualCount     int
	ActualFirstSeen time.Time
	ActualLastSeen  time.Time
}

// CountConsistent reports whether the stored message count is correct.
func (a AddressStats) CountConsistent() bool {
	return a.StoredCount == a.ActualCount
}

// Consistent reports whether every stored statistic is correct.
func (a AddressStats) Consistent() bool {
	return a.CountConsistent() &&
		a.StoredFirstSeen.Equal(a.ActualFirstSeen) &&
		a.StoredLastSeen.Equal(a.ActualLastSeen)
}

// Store defines the persistence interface for the message replica, the
// sync cursors and the address index.
type Store interface {
	// === Messages ===

	// UpsertMessage inserts or overwrites a message, reporting whether it
	// was newly created. The content digest is derived from Raw.
	UpsertMessage(ctx context.Context, msg *model.Message) (bool, error)
	GetMessage(ctx context.Context, account, id string) (*model.Message, bool, error)
	MessageExists(ctx context.Context, account, id string) (bool, error)
	UpdateMessageLabels(ctx context.Context, account, id string, labels []string, historyToken string) (bool, error)
	UpdateMessageHeaders(ctx context.Context, key model.MessageKey, subject, rfc822ID string) error
	DeleteMessage(ctx context.Context, account, id string) (bool, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error)
	ListMessageKeys(ctx context.Context, q MessageQuery) ([]model.MessageKey, error)
	CountMessageKeys(ctx context.Context, q MessageQuery) (int, error)
	GetMessagesByKeys(ctx context.Context, keys []model.MessageKey) ([]model.Message, error)

	// === Sync cursors ===

	GetCursor(ctx context.Context, account string) (*model.SyncCursor, bool, error)
	SaveCursor(ctx context.Context, cursor model.SyncCursor) error

	// === Address index ===

	// ReplaceMessageAddresses atomically swaps a message's relationships
	// for entries, stamps the digest they were derived from and, when
	// recompute is set, refreshes statistics of every address touched.
	ReplaceMessageAddresses(ctx context.Context, key model.MessageKey, entries []model.AddressEntry, digest string, recompute bool) error
	ComputeAddressStats(ctx context.Context, emails []string) ([]AddressStats, error)
	UpdateAddressStats(ctx context.Context, stats []AddressStats) (int, error)
	CountOrphanAddresses(ctx context.Context) (int, error)
	DeleteOrphanAddresses(ctx context.Context) (int, error)
	ClearIndex(ctx context.Context, account string) (int, error)
	GetAddress(ctx context.Context, email string) (*model.IndexedAddress, bool, error)
	SearchAddresses(ctx context.Context, pattern string, limit int) ([]model.IndexedAddress, error)
	TopAddresses(ctx context.Context, limit int) ([]model.IndexedAddress, error)
	CountAddresses(ctx context.Context) (int, error)
	CountRelationships(ctx context.Context, account string) (int, error)
	RoleDistribution(ctx context.Context, account string) (map[model.Role]int, error)
	RoleCountsForAddress(ctx context.Context, email string) (map[model.Role]int, error)
	MessagesForAddress(ctx context.Context, email string, roles []model.Role, limit int) ([]model.Message, error)
	RelationshipsForMessage(ctx context.Context, key model.MessageKey) ([]model.Relationship, error)

	// === Sync runs ===

	RecordSyncRun(ctx context.Context, run model.SyncRun) error
	ListSyncRuns(ctx context.Context, account string, limit int) ([]model.SyncRun, error)

	Close() error
}
