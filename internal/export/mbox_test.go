package export

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/store"
	"github.com/kws/mailindexer/internal/testutil"
)

func readAll(t *testing.T, data []byte) [][]byte {
	t.Helper()
	r := mboxlib.NewReader(bytes.NewReader(data))
	var out [][]byte
	for {
		mr, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(mr)
		require.NoError(t, err)
		out = append(out, body)
	}
}

func TestWriteMbox(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	older := testutil.NewMessage("me@example.com", "m1", day, "From: a@example.com", "Subject: one")
	newer := testutil.NewMessage("me@example.com", "m2", day.Add(time.Hour), "Subject: two")
	other := testutil.NewMessage("you@example.com", "m3", day, "From: b@example.com")
	for _, m := range []*model.Message{older, newer, other} {
		_, err := s.UpsertMessage(ctx, m)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	result, err := WriteMbox(ctx, s, store.MessageFilter{Account: "me@example.com"}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, &Result{Written: 2}, result)

	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("From "+defaultSender+" ")))
	assert.Contains(t, buf.String(), "From a@example.com ")

	entries := readAll(t, buf.Bytes())
	require.Len(t, entries, 2)
	assert.Contains(t, string(entries[0]), "Subject: two")
	assert.Contains(t, string(entries[1]), "Subject: one")
}

func TestWriteMboxSkipsEmptyContent(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewTestStore(t)
	m := testutil.NewMessage("me@example.com", "m1", time.Now(), "From: a@example.com")
	m.Raw = nil
	_, err := s.UpsertMessage(ctx, m)
	require.NoError(t, err)

	var buf bytes.Buffer
	result, err := WriteMbox(ctx, s, store.MessageFilter{}, &buf, nil)
	require.NoError(t, err)
	assert.Equal(t, &Result{Skipped: 1}, result)
	assert.Zero(t, buf.Len())
}

func TestEnvelopeSender(t *testing.T) {
	assert.Equal(t, "a@example.com", envelopeSender(testutil.RawMessage("From: A <A@Example.com>")))
	assert.Equal(t, defaultSender, envelopeSender(testutil.RawMessage("To: b@example.com")))
	assert.Equal(t, defaultSender, envelopeSender([]byte("not a header\r\n\r\n")))
}
