// Package remote defines the contract between the sync engine and a remote
// mail service: message listing and download, the change-history feed,
// mailbox identity and labels.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kws/mailindexer/internal/model"
)

// ErrCursorExpired is returned by ListHistory when the start token is too
// old for the remote service to answer. Callers fall back to a full sync.
var ErrCursorExpired = errors.New("history cursor expired")

// ErrMessageNotFound is returned by GetMessage when the message no longer
// exists remotely.
var ErrMessageNotFound = errors.New("remote message not found")

// AuthError indicates that authentication has failed or expired for a
// remote service. It is returned by clients when credentials are rejected.
type AuthError struct {
	Service string
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Service, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// Format selects how much of a message GetMessage returns.
type Format string

const (
	// FormatRaw returns the full RFC 5322 content plus metadata.
	FormatRaw Format = "raw"

	// FormatMinimal returns only identifiers, labels and the history token.
	FormatMinimal Format = "minimal"
)

// HistoryType is a category of change record.
type HistoryType string

const (
	HistoryMessageAdded   HistoryType = "messageAdded"
	HistoryMessageDeleted HistoryType = "messageDeleted"
	HistoryLabelAdded     HistoryType = "labelAdded"
	HistoryLabelRemoved   HistoryType = "labelRemoved"
)

// SyncHistoryTypes are the change categories the sync engine consumes.
var SyncHistoryTypes = []HistoryType{
	HistoryMessageAdded,
	HistoryMessageDeleted,
	HistoryLabelAdded,
	HistoryLabelRemoved,
}

// MessageRef identifies a remote message without its content.
type MessageRef struct {
	ID       string
	ThreadID string

	// LabelIDs is set on history records when the remote reports them.
	LabelIDs []string
}

// Message is a message as returned by GetMessage. Raw is empty for
// FormatMinimal.
type Message struct {
	ID           string
	ThreadID     string
	LabelIDs     []string
	Snippet      string
	HistoryToken string
	InternalDate time.Time
	SizeEstimate int64
	Raw          []byte
}

// Profile describes the authenticated mailbox.
type Profile struct {
	EmailAddress  string
	HistoryToken  string
	MessagesTotal int
}

// HistoryRequest pages through change records since StartToken.
type HistoryRequest struct {
	StartToken string
	PageToken  string
	PageSize   int
	Types      []HistoryType

	// LabelID restricts records to one label; empty means all.
	LabelID string
}

// LabelChange records labels added to or removed from a message.
type LabelChange struct {
	Message  MessageRef
	LabelIDs []string
}

// HistoryRecord is one entry of the change log.
type HistoryRecord struct {
	ID            string
	Added         []MessageRef
	Deleted       []MessageRef
	LabelsAdded   []LabelChange
	LabelsRemoved []LabelChange
}

// HistoryPage is one page of change records.
type HistoryPage struct {
	Records []HistoryRecord

	// LatestToken is the mailbox's current history token.
	LatestToken string

	// NextPageToken is empty on the last page.
	NextPageToken string
}

// Feed is the contract every remote mail service client implements.
type Feed interface {
	// GetProfile returns the mailbox identity and its current history token.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListMessages lists up to maxResults message references, newest first,
	// restricted to messages carrying all of labelIDs when given.
	ListMessages(ctx context.Context, maxResults int, labelIDs []string) ([]MessageRef, error)

	// GetMessage downloads one message.
	GetMessage(ctx context.Context, id string, format Format) (*Message, error)

	// ListHistory returns one page of change records, or ErrCursorExpired.
	ListHistory(ctx context.Context, req HistoryRequest) (*HistoryPage, error)

	ListLabels(ctx context.Context) ([]model.Label, error)

	// FindLabelByName looks a label up by name, ignoring case.
	FindLabelByName(ctx context.Context, name string) (*model.Label, bool, error)
}

// FindLabel searches labels for name, ignoring case.
func FindLabel(labels []model.Label, name string) (*model.Label, bool) {
	for i := range labels {
		if strings.EqualFold(labels[i].Name, name) {
			return &labels[i], true
		}
	}
	return nil, false
}
