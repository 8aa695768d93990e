package model

import "time"

// SyncCursor records the remote change-feed position reached by the last
// successful sync of an account.
type SyncCursor struct {
	Account      string
	HistoryToken string
	LastSyncAt   time.Time
}

// Sync types reported by a sync run.
const (
	SyncTypeFull        = "full"
	SyncTypeIncremental = "incremental"
)

// SyncRun is the persisted audit record of one executed sync.
type SyncRun struct {
	ID              string
	Account         string
	SyncType        string
	FellBack        bool
	NewMessages     int
	UpdatedMessages int
	DeletedMessages int
	LabelsModified  int
	ErrorCount      int
	Cursor          string

	// Detail is the JSON-encoded full report.
	Detail string

	StartedAt  time.Time
	FinishedAt time.Time
}

// Label is a remote mailbox label (or folder).
type Label struct {
	ID   string
	Name string

	// Type is "system" or "user" as reported by the remote service.
	Type string
}

// Category returns the human-facing label category.
func (l Label) Category() string {
	switch l.Type {
	case "system":
		return "System"
	case "user":
		return "User"
	default:
		return "Unknown"
	}
}
