package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kws/mailindexer/internal/model"
)

// ItemError records a failure isolated to one message or history record.
// It never aborts a sync.
type ItemError struct {
	// MessageID is empty for failures not tied to one message.
	MessageID   string `json:"message_id,omitempty"`
	Description string `json:"description"`
}

func (e ItemError) String() string {
	if e.MessageID == "" {
		return e.Description
	}
	return e.MessageID + ": " + e.Description
}

// IdentityError is returned when the mailbox account cannot be determined.
type IdentityError struct {
	Err error
}

func (e *IdentityError) Error() string {
	if e.Err == nil {
		return "account identity unavailable: remote returned no address"
	}
	return fmt.Sprintf("account identity unavailable: %v", e.Err)
}

func (e *IdentityError) Unwrap() error { return e.Err }

// SyncReport describes the outcome of one Sync call.
type SyncReport struct {
	RunID       string   `json:"run_id"`
	Account     string   `json:"account"`
	SyncType    string   `json:"sync_type"`
	LabelFilter []string `json:"label_filter,omitempty"`

	// FellBack is set when an incremental sync was replaced by a full one
	// because the stored cursor had expired.
	FellBack bool `json:"fell_back"`

	// Full sync counters.
	TotalFound      int `json:"total_found"`
	NewMessages     int `json:"new_messages"`
	UpdatedMessages int `json:"updated_messages"`

	// Incremental sync counters.
	HistoryRecords  int `json:"history_records"`
	MessagesAdded   int `json:"messages_added"`
	MessagesDeleted int `json:"messages_deleted"`
	LabelsModified  int `json:"labels_modified"`

	Errors []ItemError `json:"errors"`

	// Cursor is the token stored for the next incremental sync.
	Cursor string `json:"cursor,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ErrorCount returns the number of isolated item failures.
func (r *SyncReport) ErrorCount() int {
	return len(r.Errors)
}

// Duration returns how long the sync took.
func (r *SyncReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *SyncReport) addError(messageID string, err error) {
	r.Errors = append(r.Errors, ItemError{MessageID: messageID, Description: err.Error()})
}

// resetCounters clears counters from an abandoned incremental attempt
// before the fallback full sync.
func (r *SyncReport) resetCounters() {
	r.HistoryRecords = 0
	r.MessagesAdded = 0
	r.MessagesDeleted = 0
	r.LabelsModified = 0
	r.Errors = nil
}

// Run converts the report into its persisted form.
func (r *SyncReport) Run() model.SyncRun {
	detail, err := json.Marshal(r)
	if err != nil {
		detail = []byte("{}")
	}
	return model.SyncRun{
		ID:              r.RunID,
		Account:         r.Account,
		SyncType:        r.SyncType,
		FellBack:        r.FellBack,
		NewMessages:     r.NewMessages + r.MessagesAdded,
		UpdatedMessages: r.UpdatedMessages,
		DeletedMessages: r.MessagesDeleted,
		LabelsModified:  r.LabelsModified,
		ErrorCount:      r.ErrorCount(),
		Cursor:          r.Cursor,
		Detail:          string(detail),
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
	}
}
