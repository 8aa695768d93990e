package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
	"github.com/kws/mailindexer/internal/remote/remotetest"
	"github.com/kws/mailindexer/internal/store"
	"github.com/kws/mailindexer/internal/testutil"
)

const account = "me@example.com"

var baseDate = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func addMessage(f *remotetest.Feed, id string, labels ...string) {
	if len(labels) == 0 {
		labels = []string{model.LabelInbox, model.LabelUnread}
	}
	f.AddMessage(id, labels, testutil.RawMessage(
		"From: Sender <sender-"+id+"@example.com>",
		"To: me@example.com",
		"Subject: message "+id,
		"Message-ID: <"+id+"@example.com>",
	), baseDate)
}

func newCoordinator(t *testing.T, opts Options) (*Coordinator, *remotetest.Feed, *store.SQLStore) {
	t.Helper()
	s := testutil.NewTestStore(t)
	f := remotetest.New(account)
	return NewCoordinator(s, f, opts, nil), f, s
}

func TestFirstSyncIsFull(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	for _, id := range []string{"m1", "m2", "m3"} {
		addMessage(f, id)
	}

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncTypeFull, report.SyncType)
	assert.Equal(t, account, report.Account)
	assert.Equal(t, 3, report.TotalFound)
	assert.Equal(t, 3, report.NewMessages)
	assert.Equal(t, 0, report.UpdatedMessages)
	assert.Zero(t, report.ErrorCount())
	assert.False(t, report.FellBack)
	assert.Equal(t, f.Token(), report.Cursor)

	cur, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, f.Token(), cur.HistoryToken)

	msg, found, err := s.GetMessage(ctx, account, "m2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "message m2", msg.Subject)
	assert.Equal(t, "<m2@example.com>", msg.RFC822MessageID)
	assert.False(t, msg.Read)
	assert.Equal(t, baseDate, msg.InternalDate)
}

func TestFullSyncOverwritesExisting(t *testing.T) {
	ctx := context.Background()
	c, f, _ := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")
	addMessage(f, "m2")

	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	report, err := c.Sync(ctx, SyncRequest{ForceFull: true})
	require.NoError(t, err)
	assert.Equal(t, model.SyncTypeFull, report.SyncType)
	assert.Equal(t, 0, report.NewMessages)
	assert.Equal(t, 2, report.UpdatedMessages)
}

func TestIncrementalSyncAppliesChanges(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")
	addMessage(f, "m2")

	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	addMessage(f, "m3")
	f.DeleteMessage("m2")
	f.SetLabels("m1", []string{model.LabelInbox, model.LabelStarred})
	rawBefore := f.Downloads[remote.FormatRaw]

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	assert.Equal(t, model.SyncTypeIncremental, report.SyncType)
	assert.Equal(t, 3, report.HistoryRecords)
	assert.Equal(t, 1, report.MessagesAdded)
	assert.Equal(t, 1, report.MessagesDeleted)
	assert.Equal(t, 1, report.LabelsModified)
	assert.Zero(t, report.ErrorCount())
	assert.Equal(t, f.Token(), report.Cursor)

	// Only the added message is downloaded in full.
	assert.Equal(t, rawBefore+1, f.Downloads[remote.FormatRaw])
	assert.Equal(t, 1, f.Downloads[remote.FormatMinimal])

	exists, err := s.MessageExists(ctx, account, "m2")
	require.NoError(t, err)
	assert.False(t, exists)

	m1, _, err := s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.True(t, m1.Read)
	assert.True(t, m1.Starred)
	assert.Equal(t, []string{model.LabelInbox, model.LabelStarred}, m1.LabelIDs)

	require.Len(t, f.HistoryRequests, 1)
	assert.Equal(t, remote.SyncHistoryTypes, f.HistoryRequests[0].Types)
	assert.Equal(t, 500, f.HistoryRequests[0].PageSize)
}

func TestLabelChangeForUnknownMessageDownloads(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())

	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	addMessage(f, "m1")
	_, err = c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	_, err = s.DeleteMessage(ctx, account, "m1")
	require.NoError(t, err)

	// The next record is a label change for a message no longer stored.
	f.SetLabels("m1", []string{model.LabelInbox})
	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.LabelsModified)

	m1, found, err := s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotEmpty(t, m1.Raw)
	assert.True(t, m1.Read)
}

func TestExpiredCursorFallsBackToFull(t *testing.T) {
	ctx := context.Background()
	c, f, _ := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")
	addMessage(f, "m2")
	addMessage(f, "m3")

	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	addMessage(f, "m4")
	f.ExpireHistory()

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.True(t, report.FellBack)
	assert.Equal(t, model.SyncTypeFull, report.SyncType)
	assert.Equal(t, 1, report.NewMessages)
	assert.Equal(t, 3, report.UpdatedMessages)
	assert.Equal(t, f.Token(), report.Cursor)
	assert.Len(t, f.HistoryRequests, 1)
}

func TestItemErrorsDoNotAbort(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")
	addMessage(f, "m2")
	addMessage(f, "m3")
	f.Errors["m2"] = errors.New("boom")

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewMessages)
	require.Equal(t, 1, report.ErrorCount())
	assert.Equal(t, "m2", report.Errors[0].MessageID)
	assert.Contains(t, report.Errors[0].Description, "boom")

	// The cursor is stored even though an item failed.
	_, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestIdentityError(t *testing.T) {
	c, f, _ := newCoordinator(t, DefaultOptions())
	f.ProfileErr = errors.New("unreachable")

	_, err := c.Sync(context.Background(), SyncRequest{})
	var idErr *IdentityError
	require.ErrorAs(t, err, &idErr)
	assert.ErrorContains(t, err, "unreachable")
}

func TestFinalProfileFailureKeepsReport(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	for _, id := range []string{"m1", "m2", "m3"} {
		addMessage(f, id)
	}
	f.ProfileErr = errors.New("profile unavailable")

	report, err := c.Sync(ctx, SyncRequest{Account: account})
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 3, report.NewMessages)
	assert.Empty(t, report.Cursor)
	require.Equal(t, 1, report.ErrorCount())
	assert.Empty(t, report.Errors[0].MessageID)
	assert.Contains(t, report.Errors[0].Description, "profile unavailable")

	_, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	assert.False(t, found)

	runs, err := s.ListSyncRuns(ctx, account, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].ErrorCount)

	// Without a cursor the next run is full again.
	f.ProfileErr = nil
	report, err = c.Sync(ctx, SyncRequest{Account: account})
	require.NoError(t, err)
	assert.Equal(t, model.SyncTypeFull, report.SyncType)
	assert.Equal(t, 3, report.UpdatedMessages)
	assert.Equal(t, f.Token(), report.Cursor)
}

func TestListingFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	f.ListErr = &remote.AuthError{Service: "test", Message: "expired"}

	_, err := c.Sync(ctx, SyncRequest{})
	require.Error(t, err)
	assert.True(t, remote.IsAuthError(err))

	_, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFirstHistoryPageFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	c, f, _ := newCoordinator(t, DefaultOptions())
	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	f.HistoryErr = errors.New("503")
	_, err = c.Sync(ctx, SyncRequest{})
	assert.ErrorContains(t, err, "503")
}

func TestSingleLabelFilter(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	f.AddLabel("Label_1", "Work")
	addMessage(f, "m1", model.LabelInbox, "Label_1")
	addMessage(f, "m2", model.LabelInbox)

	req := SyncRequest{LabelNames: []string{"work", "does-not-exist"}}
	report, err := c.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"Label_1"}, report.LabelFilter)
	assert.Equal(t, 1, report.NewMessages)

	addMessage(f, "m3", "Label_1")
	addMessage(f, "m4", model.LabelInbox)
	report, err = c.Sync(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MessagesAdded)

	require.Len(t, f.HistoryRequests, 1)
	assert.Equal(t, "Label_1", f.HistoryRequests[0].LabelID)

	exists, err := s.MessageExists(ctx, account, "m4")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMultiLabelFilterAppliedLocally(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	addMessage(f, "m1", model.LabelInbox, "Label_1")
	addMessage(f, "m2", model.LabelInbox)
	addMessage(f, "m3", model.LabelStarred)

	report, err := c.Sync(ctx, SyncRequest{LabelIDs: []string{"Label_1", model.LabelStarred, "Label_1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Label_1", model.LabelStarred}, report.LabelFilter)
	assert.Equal(t, 2, report.MessagesAdded)
	assert.Empty(t, f.HistoryRequests[0].LabelID)

	n, err := s.CountMessageKeys(ctx, store.MessageQuery{Account: account})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestHistoryPageBudget(t *testing.T) {
	ctx := context.Background()
	c, f, _ := newCoordinator(t, Options{HistoryPageSize: 1, MaxHistoryPages: 2})
	_, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	start := f.Token()

	addMessage(f, "m1")
	addMessage(f, "m2")
	second := f.Token()
	addMessage(f, "m3")

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.MessagesAdded)
	assert.Equal(t, second, report.Cursor)
	assert.NotEqual(t, start, report.Cursor)

	report, err = c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.MessagesAdded)
	assert.Equal(t, f.Token(), report.Cursor)
}

func TestCancelledSyncStoresNoCursor(t *testing.T) {
	c, f, s := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Sync(ctx, SyncRequest{Account: account})
	assert.ErrorIs(t, err, context.Canceled)

	_, found, err := s.GetCursor(context.Background(), account)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSyncRunIsRecorded(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")
	f.Errors["m1"] = errors.New("boom")
	addMessage(f, "m2")

	report, err := c.Sync(ctx, SyncRequest{})
	require.NoError(t, err)

	runs, err := s.ListSyncRuns(ctx, account, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].ID)
	assert.Equal(t, model.SyncTypeFull, runs[0].SyncType)
	assert.Equal(t, 1, runs[0].NewMessages)
	assert.Equal(t, 1, runs[0].ErrorCount)
	assert.Contains(t, runs[0].Detail, "boom")
}

func TestResyncMessage(t *testing.T) {
	ctx := context.Background()
	c, f, s := newCoordinator(t, DefaultOptions())
	addMessage(f, "m1")

	created, err := c.ResyncMessage(ctx, "", "m1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.ResyncMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = c.ResyncMessage(ctx, account, "nope")
	assert.ErrorIs(t, err, remote.ErrMessageNotFound)

	exists, err := s.MessageExists(ctx, account, "m1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListLabels(t *testing.T) {
	c, f, _ := newCoordinator(t, DefaultOptions())
	f.AddLabel("Label_1", "Work")

	labels, err := c.ListLabels(context.Background())
	require.NoError(t, err)
	require.Len(t, labels, 4)
	assert.Equal(t, "System", labels[0].Category())
	assert.Equal(t, "User", labels[3].Category())
}
