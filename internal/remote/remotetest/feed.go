// Package remotetest provides an in-memory remote.Feed for tests.
package remotetest

import (
	"context"
	"slices"
	"strconv"
	gosync "sync"
	"time"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
)

// Feed is a scriptable in-memory mailbox. Every mutation appends a change
// record and advances the history token.
type Feed struct {
	mu gosync.Mutex

	email    string
	token    int64
	order    []string
	messages map[string]*remote.Message
	history  []remote.HistoryRecord
	labels   []model.Label

	expiredBelow int64

	// Errors makes GetMessage fail for specific message ids.
	Errors map[string]error

	// ProfileErr, ListErr and HistoryErr make the matching call fail.
	ProfileErr error
	ListErr    error
	HistoryErr error

	// Downloads counts GetMessage calls per format.
	Downloads map[remote.Format]int

	// HistoryRequests records every ListHistory request.
	HistoryRequests []remote.HistoryRequest
}

// New creates an empty mailbox for email.
func New(email string) *Feed {
	return &Feed{
		email:    email,
		token:    1000,
		messages: make(map[string]*remote.Message),
		labels: []model.Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "UNREAD", Name: "UNREAD", Type: "system"},
			{ID: "STARRED", Name: "STARRED", Type: "system"},
		},
		Errors:    make(map[string]error),
		Downloads: make(map[remote.Format]int),
	}
}

func (f *Feed) nextToken() string {
	f.token++
	return strconv.FormatInt(f.token, 10)
}

// AddLabel registers a user label.
func (f *Feed) AddLabel(id, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels = append(f.labels, model.Label{ID: id, Name: name, Type: "user"})
}

// AddMessage stores a message and records a messageAdded change.
func (f *Feed) AddMessage(id string, labels []string, raw []byte, date time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	token := f.nextToken()
	f.messages[id] = &remote.Message{
		ID:           id,
		ThreadID:     "t-" + id,
		LabelIDs:     slices.Clone(labels),
		Snippet:      "snippet " + id,
		HistoryToken: token,
		InternalDate: date.UTC().Truncate(time.Millisecond),
		SizeEstimate: int64(len(raw)),
		Raw:          slices.Clone(raw),
	}
	f.order = append(f.order, id)
	f.history = append(f.history, remote.HistoryRecord{
		ID:    token,
		Added: []remote.MessageRef{{ID: id, ThreadID: "t-" + id, LabelIDs: slices.Clone(labels)}},
	})
}

// DeleteMessage removes a message and records a messageDeleted change.
func (f *Feed) DeleteMessage(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.messages, id)
	f.order = slices.DeleteFunc(f.order, func(s string) bool { return s == id })
	f.history = append(f.history, remote.HistoryRecord{
		ID:      f.nextToken(),
		Deleted: []remote.MessageRef{{ID: id, ThreadID: "t-" + id}},
	})
}

// SetLabels replaces a message's labels and records a labelAdded change.
func (f *Feed) SetLabels(id string, labels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	token := f.nextToken()
	if m, ok := f.messages[id]; ok {
		m.LabelIDs = slices.Clone(labels)
		m.HistoryToken = token
	}
	f.history = append(f.history, remote.HistoryRecord{
		ID: token,
		LabelsAdded: []remote.LabelChange{{
			Message:  remote.MessageRef{ID: id, ThreadID: "t-" + id},
			LabelIDs: slices.Clone(labels),
		}},
	})
}

// ExpireHistory makes every token issued so far unusable as a start token.
func (f *Feed) ExpireHistory() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiredBelow = f.token + 1
}

// Token returns the current history token.
func (f *Feed) Token() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.FormatInt(f.token, 10)
}

// GetProfile implements remote.Feed.
func (f *Feed) GetProfile(_ context.Context) (*remote.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ProfileErr != nil {
		return nil, f.ProfileErr
	}
	return &remote.Profile{
		EmailAddress:  f.email,
		HistoryToken:  strconv.FormatInt(f.token, 10),
		MessagesTotal: len(f.messages),
	}, nil
}

// ListMessages implements remote.Feed. Newest messages come first.
func (f *Feed) ListMessages(_ context.Context, maxResults int, labelIDs []string) ([]remote.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ListErr != nil {
		return nil, f.ListErr
	}

	var refs []remote.MessageRef
	for i := len(f.order) - 1; i >= 0; i-- {
		m := f.messages[f.order[i]]
		if !hasAll(m.LabelIDs, labelIDs) {
			continue
		}
		refs = append(refs, remote.MessageRef{ID: m.ID, ThreadID: m.ThreadID})
		if maxResults > 0 && len(refs) >= maxResults {
			break
		}
	}
	return refs, nil
}

func hasAll(labels, want []string) bool {
	for _, w := range want {
		if !slices.Contains(labels, w) {
			return false
		}
	}
	return true
}

// GetMessage implements remote.Feed.
func (f *Feed) GetMessage(_ context.Context, id string, format remote.Format) (*remote.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Downloads[format]++
	if err := f.Errors[id]; err != nil {
		return nil, err
	}
	m, ok := f.messages[id]
	if !ok {
		return nil, remote.ErrMessageNotFound
	}

	out := *m
	out.LabelIDs = slices.Clone(m.LabelIDs)
	if format == remote.FormatMinimal {
		out.Raw = nil
	} else {
		out.Raw = slices.Clone(m.Raw)
	}
	return &out, nil
}

// ListHistory implements remote.Feed. Page tokens are record offsets.
func (f *Feed) ListHistory(_ context.Context, req remote.HistoryRequest) (*remote.HistoryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.HistoryRequests = append(f.HistoryRequests, req)
	if f.HistoryErr != nil {
		return nil, f.HistoryErr
	}

	start, err := strconv.ParseInt(req.StartToken, 10, 64)
	if err != nil || start < f.expiredBelow {
		return nil, remote.ErrCursorExpired
	}

	var matching []remote.HistoryRecord
	for _, rec := range f.history {
		id, _ := strconv.ParseInt(rec.ID, 10, 64)
		if id <= start {
			continue
		}
		if rec = f.filterRecord(rec, req); !emptyRecord(rec) {
			matching = append(matching, rec)
		}
	}

	offset, _ := strconv.Atoi(req.PageToken)
	if offset > len(matching) {
		offset = len(matching)
	}
	end := len(matching)
	if req.PageSize > 0 && offset+req.PageSize < end {
		end = offset + req.PageSize
	}

	page := &remote.HistoryPage{
		Records:     matching[offset:end],
		LatestToken: strconv.FormatInt(f.token, 10),
	}
	if end < len(matching) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

func (f *Feed) filterRecord(rec remote.HistoryRecord, req remote.HistoryRequest) remote.HistoryRecord {
	wants := func(t remote.HistoryType) bool {
		return len(req.Types) == 0 || slices.Contains(req.Types, t)
	}
	out := remote.HistoryRecord{ID: rec.ID}
	if wants(remote.HistoryMessageAdded) {
		for _, ref := range rec.Added {
			m, ok := f.messages[ref.ID]
			if req.LabelID != "" && (!ok || !slices.Contains(m.LabelIDs, req.LabelID)) {
				continue
			}
			out.Added = append(out.Added, ref)
		}
	}
	if wants(remote.HistoryMessageDeleted) {
		out.Deleted = rec.Deleted
	}
	if wants(remote.HistoryLabelAdded) {
		out.LabelsAdded = rec.LabelsAdded
	}
	if wants(remote.HistoryLabelRemoved) {
		out.LabelsRemoved = rec.LabelsRemoved
	}
	return out
}

func emptyRecord(rec remote.HistoryRecord) bool {
	return len(rec.Added) == 0 && len(rec.Deleted) == 0 &&
		len(rec.LabelsAdded) == 0 && len(rec.LabelsRemoved) == 0
}

// ListLabels implements remote.Feed.
func (f *Feed) ListLabels(_ context.Context) ([]model.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.labels), nil
}

// FindLabelByName implements remote.Feed.
func (f *Feed) FindLabelByName(ctx context.Context, name string) (*model.Label, bool, error) {
	labels, err := f.ListLabels(ctx)
	if err != nil {
		return nil, false, err
	}
	l, ok := remote.FindLabel(labels, name)
	return l, ok, nil
}

var _ remote.Feed = (*Feed)(nil)
