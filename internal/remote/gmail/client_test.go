package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, StaticToken("tok"), 5*time.Second)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeJSON(t, w, ProfileResponse{EmailAddress: "me@example.com", HistoryID: "42", MessagesTotal: 7})
	})

	p, err := c.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "me@example.com", p.EmailAddress)
	assert.Equal(t, "42", p.HistoryToken)
	assert.Equal(t, 7, p.MessagesTotal)
}

func TestUnauthorizedIsAuthError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.GetProfile(context.Background())
	require.Error(t, err)
	assert.True(t, remote.IsAuthError(err))
}

func TestListMessagesFollowsPages(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, []string{"INBOX"}, r.URL.Query()["labelIds"])
		if r.URL.Query().Get("pageToken") == "" {
			assert.Equal(t, "3", r.URL.Query().Get("maxResults"))
			writeJSON(t, w, ListMessagesResponse{
				Messages:      []MessageRef{{ID: "a"}, {ID: "b"}},
				NextPageToken: "p2",
			})
			return
		}
		assert.Equal(t, "1", r.URL.Query().Get("maxResults"))
		writeJSON(t, w, ListMessagesResponse{Messages: []MessageRef{{ID: "c"}}, NextPageToken: "p3"})
	})

	refs, err := c.ListMessages(context.Background(), 3, []string{"INBOX"})
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "c", refs[2].ID)
}

func TestGetMessageDecodesRaw(t *testing.T) {
	raw := "From: a@example.com\r\n\r\nhi??>"
	for name, enc := range map[string]*base64.Encoding{
		"padded":   base64.URLEncoding,
		"unpadded": base64.RawURLEncoding,
	} {
		t.Run(name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
				assert.Equal(t, "raw", r.URL.Query().Get("format"))
				writeJSON(t, w, Message{
					ID:           "m1",
					ThreadID:     "t1",
					LabelIDs:     []string{"INBOX", "UNREAD"},
					HistoryID:    "99",
					InternalDate: "1709294400000",
					Raw:          enc.EncodeToString([]byte(raw)),
				})
			})

			m, err := c.GetMessage(context.Background(), "m1", remote.FormatRaw)
			require.NoError(t, err)
			assert.Equal(t, raw, string(m.Raw))
			assert.Equal(t, "99", m.HistoryToken)
			assert.Equal(t, int64(1709294400000), m.InternalDate.UnixMilli())
			assert.Equal(t, []string{"INBOX", "UNREAD"}, m.LabelIDs)
		})
	}
}

func TestGetMessageNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.GetMessage(context.Background(), "gone", remote.FormatMinimal)
	assert.ErrorIs(t, err, remote.ErrMessageNotFound)
}

func TestListHistory(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "/gmail/v1/users/me/history", r.URL.Path)
		assert.Equal(t, "10", q.Get("startHistoryId"))
		assert.Equal(t, "500", q.Get("maxResults"))
		assert.Equal(t, "INBOX", q.Get("labelId"))
		assert.ElementsMatch(t, []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}, q["historyTypes"])
		writeJSON(t, w, ListHistoryResponse{
			HistoryID:     "20",
			NextPageToken: "next",
			History: []History{{
				ID:              "11",
				MessagesAdded:   []MessageChange{{Message: MessageRef{ID: "a"}}},
				MessagesDeleted: []MessageChange{{Message: MessageRef{ID: "b"}}},
				LabelsAdded:     []LabelChange{{Message: MessageRef{ID: "c"}, LabelIDs: []string{"STARRED"}}},
				LabelsRemoved:   []LabelChange{{Message: MessageRef{ID: "d"}, LabelIDs: []string{"UNREAD"}}},
			}},
		})
	})

	page, err := c.ListHistory(context.Background(), remote.HistoryRequest{
		StartToken: "10",
		PageSize:   1000,
		Types:      remote.SyncHistoryTypes,
		LabelID:    "INBOX",
	})
	require.NoError(t, err)
	assert.Equal(t, "20", page.LatestToken)
	assert.Equal(t, "next", page.NextPageToken)
	require.Len(t, page.Records, 1)
	rec := page.Records[0]
	assert.Equal(t, "a", rec.Added[0].ID)
	assert.Equal(t, "b", rec.Deleted[0].ID)
	assert.Equal(t, []string{"STARRED"}, rec.LabelsAdded[0].LabelIDs)
	assert.Equal(t, "d", rec.LabelsRemoved[0].Message.ID)
}

func TestListHistoryExpiredCursor(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.ListHistory(context.Background(), remote.HistoryRequest{StartToken: "1"})
	assert.ErrorIs(t, err, remote.ErrCursorExpired)
}

func TestRetriesOnRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(t, w, ListLabelsResponse{Labels: []Label{
			{ID: "INBOX", Name: "INBOX", Type: "system"},
			{ID: "Label_1", Name: "Work", Type: "user"},
		}})
	})

	l, ok, err := c.FindLabelByName(context.Background(), "work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Label_1", l.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRateLimitGivesUp(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	c.maxRetries = 1

	_, err := c.ListLabels(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
}

func TestAPIErrorMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid label"}}`))
	})

	_, err := c.ListMessages(context.Background(), 1, []string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid label")
}
