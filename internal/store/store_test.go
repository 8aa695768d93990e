package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
	"github.com/kws/mailindexer/internal/testutil"
)

const account = "me@example.com"

var day = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "mysql", "")
	assert.Error(t, err)
}

func TestUpsertMessage(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage(account, "m1", day, "From: a@example.com", "Subject: Hi")
	msg.ApplyLabels([]string{"INBOX", "UNREAD", "STARRED"})

	created, err := s.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.Digest(msg.Raw), msg.ContentDigest)

	got, found, err := s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"INBOX", "UNREAD", "STARRED"}, got.LabelIDs)
	assert.False(t, got.Read)
	assert.True(t, got.Starred)
	assert.False(t, got.Important)
	assert.True(t, day.Equal(got.InternalDate))
	assert.Equal(t, msg.Raw, got.Raw)

	msg.Raw = testutil.RawMessage("From: b@example.com")
	created, err = s.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	assert.False(t, created)

	got, _, err = s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.Digest(msg.Raw), got.ContentDigest)
}

func TestGetMessageNotFound(t *testing.T) {
	s := testutil.NewTestStore(t)

	got, found, err := s.GetMessage(context.Background(), account, "nope")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, got)
}

func TestUpdateMessageLabels(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage(account, "m1", day, "From: a@example.com")
	_, err := s.UpsertMessage(ctx, msg)
	require.NoError(t, err)

	ok, err := s.UpdateMessageLabels(ctx, account, "m1", []string{"UNREAD", "IMPORTANT"}, "42")
	require.NoError(t, err)
	assert.True(t, ok)

	got, _, err := s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.False(t, got.Read)
	assert.True(t, got.Important)
	assert.Equal(t, "42", got.HistoryToken)

	ok, err = s.UpdateMessageLabels(ctx, account, "m1", nil, "")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _, err = s.GetMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.True(t, got.Read)
	assert.Equal(t, "42", got.HistoryToken)

	ok, err = s.UpdateMessageLabels(ctx, account, "absent", nil, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteMessageCascadesRelationships(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	msg := testutil.NewMessage(account, "m1", day, "From: a@example.com")
	_, err := s.UpsertMessage(ctx, msg)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceMessageAddresses(ctx, msg.Key(), []model.AddressEntry{
		{Email: "a@example.com", Role: model.RoleFrom},
	}, msg.ContentDigest, true))

	deleted, err := s.DeleteMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	n, err := s.CountRelationships(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)

	orphans, err := s.CountOrphanAddresses(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)

	deleted, err = s.DeleteMessage(ctx, account, "m1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	read := testutil.NewMessage(account, "read", day, "From: a@example.com")
	unread := testutil.NewMessage(account, "unread", day.Add(time.Hour), "From: a@example.com")
	unread.ApplyLabels([]string{"INBOX", "UNREAD"})
	starred := testutil.NewMessage("other@example.com", "starred", day.Add(2*time.Hour), "From: a@example.com")
	starred.ApplyLabels([]string{"STARRED", "Label_7"})

	for _, m := range []*model.Message{read, unread, starred} {
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	all, err := s.ListMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "starred", all[0].ID)

	got, err := s.ListMessages(ctx, store.MessageFilter{Account: account, UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "unread", got[0].ID)

	got, err = s.ListMessages(ctx, store.MessageFilter{StarredOnly: true})
	require.NoError(t, err)
	require.Len(t, got, 1)

	lookalike := testutil.NewMessage(account, "lookalike", day.Add(-time.Hour), "From: a@example.com")
	lookalike.ApplyLabels([]string{"LabelX7"})
	_, err = s.UpsertMessage(ctx, lookalike)
	require.NoError(t, err)

	got, err = s.ListMessages(ctx, store.MessageFilter{LabelID: "Label_7"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "starred", got[0].ID)

	got, err = s.ListMessages(ctx, store.MessageFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMessageScopes(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	indexed := testutil.NewMessage(account, "indexed", day, "From: a@example.com")
	missing := testutil.NewMessage(account, "missing", day, "From: b@example.com")
	empty := testutil.NewMessage(account, "empty", day, "Subject: no addresses")
	stale := testutil.NewMessage(account, "stale", day, "From: c@example.com")
	for _, m := range []*model.Message{indexed, missing, empty, stale} {
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	require.NoError(t, s.ReplaceMessageAddresses(ctx, indexed.Key(),
		[]model.AddressEntry{{Email: "a@example.com", Role: model.RoleFrom}}, indexed.ContentDigest, false))
	require.NoError(t, s.ReplaceMessageAddresses(ctx, empty.Key(), nil, empty.ContentDigest, false))
	require.NoError(t, s.ReplaceMessageAddresses(ctx, stale.Key(),
		[]model.AddressEntry{{Email: "c@example.com", Role: model.RoleFrom}}, stale.ContentDigest, false))

	stale.Raw = testutil.RawMessage("From: d@example.com")
	_, err := s.UpsertMessage(ctx, stale)
	require.NoError(t, err)

	keys, err := s.ListMessageKeys(ctx, store.MessageQuery{Account: account, Scope: store.ScopeMissing})
	require.NoError(t, err)
	assert.Equal(t, []model.MessageKey{{Account: account, MessageID: "missing"}}, keys)

	keys, err = s.ListMessageKeys(ctx, store.MessageQuery{Scope: store.ScopeStale})
	require.NoError(t, err)
	assert.Equal(t, []model.MessageKey{{Account: account, MessageID: "stale"}}, keys)

	n, err := s.CountMessageKeys(ctx, store.MessageQuery{Scope: store.ScopeUnindexed})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountMessageKeys(ctx, store.MessageQuery{Account: "nobody@example.com"})
	require.NoError(t, err)
	assert.Zero(t, n)

	msgs, err := s.GetMessagesByKeys(ctx, []model.MessageKey{
		{Account: account, MessageID: "missing"},
		{Account: account, MessageID: "gone"},
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "missing", msgs[0].ID)
}

func TestCursorRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	_, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.SaveCursor(ctx, model.SyncCursor{Account: account, HistoryToken: "100", LastSyncAt: day}))
	require.NoError(t, s.SaveCursor(ctx, model.SyncCursor{Account: account, HistoryToken: "200", LastSyncAt: day}))

	c, found, err := s.GetCursor(ctx, account)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "200", c.HistoryToken)
	assert.True(t, day.Equal(c.LastSyncAt))
}

func TestSyncRuns(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)

	require.NoError(t, s.RecordSyncRun(ctx, model.SyncRun{
		Account: account, SyncType: model.SyncTypeFull, NewMessages: 3,
		StartedAt: day, FinishedAt: day.Add(time.Minute),
	}))
	require.NoError(t, s.RecordSyncRun(ctx, model.SyncRun{
		Account: account, SyncType: model.SyncTypeIncremental, FellBack: false,
		StartedAt: day.Add(time.Hour), FinishedAt: day.Add(time.Hour),
	}))

	runs, err := s.ListSyncRuns(ctx, account, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.SyncTypeIncremental, runs[0].SyncType)
	assert.Equal(t, 3, runs[1].NewMessages)
	assert.NotEmpty(t, runs[1].ID)
	assert.Equal(t, "{}", runs[1].Detail)
}
