package app

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kws/mailindexer/internal/index"
	"github.com/kws/mailindexer/internal/model"
	"github.com/kws/mailindexer/internal/remote"
	"github.com/kws/mailindexer/internal/remote/remotetest"
	"github.com/kws/mailindexer/internal/testutil"
)

const account = "me@example.com"

type harness struct {
	t    *testing.T
	dir  string
	feed *remotetest.Feed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, dir: t.TempDir(), feed: remotetest.New(account)}
	day := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	h.feed.AddMessage("m1", []string{model.LabelInbox},
		testutil.RawMessage("From: Alice <alice@example.com>", "To: me@example.com", "Subject: hello"), day)
	h.feed.AddMessage("m2", []string{model.LabelInbox},
		testutil.RawMessage("From: me@example.com", "To: alice@example.com", "Cc: bob@example.org", "Subject: re: hello"), day.Add(time.Hour))
	return h
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCommand(Options{
		Out: &out,
		Err: &errOut,
		Feeds: func(context.Context, string) (remote.Feed, error) {
			return h.feed, nil
		},
	})
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(h.dir, "config.yaml"),
		"--db-dsn", filepath.Join(h.dir, "mail.db"),
		"--log-level", "error",
	}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (h *harness) runJSON(target any, args ...string) {
	h.t.Helper()
	out, err := h.run(append(args, "--output", "json")...)
	require.NoError(h.t, err)
	require.NoError(h.t, json.Unmarshal([]byte(out), target), out)
}

func TestSyncThenQueryIndex(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("sync")
	require.NoError(t, err)
	assert.Contains(t, out, account)
	assert.Contains(t, out, "full")

	var v index.ValidationReport
	h.runJSON(&v, "validate")
	assert.Equal(t, 2, v.TotalMessages)
	assert.True(t, v.IsValid())

	var st index.Statistics
	h.runJSON(&st, "stats", "--top", "1")
	assert.Equal(t, 3, st.TotalIndexedAddresses)
	require.Len(t, st.TopAddresses, 1)

	var contacts []model.IndexedAddress
	h.runJSON(&contacts, "contacts", "ALICE")
	require.Len(t, contacts, 1)
	assert.Equal(t, "alice@example.com", contacts[0].Email)
	assert.Equal(t, 2, contacts[0].MessageCount)

	var msgs []messageView
	h.runJSON(&msgs, "messages", "alice@example.com", "--role", "from")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "hello", msgs[0].Subject)

	var cs index.ContactStatistics
	h.runJSON(&cs, "contact", "bob@example.org")
	assert.Equal(t, map[model.Role]int{model.RoleCC: 1}, cs.FieldCounts)

	var runs []model.SyncRun
	h.runJSON(&runs, "runs")
	require.Len(t, runs, 1)
	assert.Equal(t, model.SyncTypeFull, runs[0].SyncType)
	assert.Equal(t, 2, runs[0].NewMessages)
}

func TestIncrementalSyncWithoutMaintenance(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("sync", "--maintain=false")
	require.NoError(t, err)

	h.feed.AddMessage("m3", []string{model.LabelInbox}, testutil.RawMessage("From: carol@example.net"), time.Now())

	var out syncOutput
	h.runJSON(&out, "sync", "--maintain=false")
	assert.Equal(t, model.SyncTypeIncremental, out.Sync.SyncType)
	assert.Equal(t, 1, out.Sync.MessagesAdded)
	assert.Nil(t, out.Maintenance)

	var v index.ValidationReport
	h.runJSON(&v, "validate")
	assert.Equal(t, 3, v.MissingMessages)

	var fix index.FixReport
	h.runJSON(&fix, "fix-missing", "--batch-size", "2")
	assert.Equal(t, 3, fix.ProcessedCount)

	var rebuild index.RebuildReport
	h.runJSON(&rebuild, "rebuild")
	assert.Equal(t, 3, rebuild.Bulk.Processed)

	var health index.HealthReport
	h.runJSON(&health, "health")
	assert.Equal(t, index.HealthHealthy, health.Status)
}

func TestExportWritesMbox(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("sync")
	require.NoError(t, err)

	path := filepath.Join(h.dir, "out.mbox")
	out, err := h.run("export", "--out", path)
	require.NoError(t, err)
	assert.Contains(t, out, "written")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("From ")))
	assert.Contains(t, string(data), "Subject: re: hello")
}

func TestResyncReindexes(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("sync")
	require.NoError(t, err)

	out, err := h.run("resync", "m1", "--account", account)
	require.NoError(t, err)
	assert.Contains(t, out, "m1")
	assert.Contains(t, out, "2 addresses")
}

func TestLabelsCommand(t *testing.T) {
	h := newHarness(t)
	h.feed.AddLabel("Label_1", "work")

	var labels []model.Label
	h.runJSON(&labels, "labels")
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	assert.Contains(t, names, "work")
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("validate", "--output", "yaml")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = h.run("messages", "a@example.com", "--role", "sender")
	assert.ErrorContains(t, err, "unknown address role")

	_, err = h.run("contact", "ghost@example.com")
	assert.ErrorContains(t, err, "not indexed")

	_, err = h.run("config", "set-token")
	assert.ErrorContains(t, err, "--account is required")

	h.feed.ProfileErr = &remote.AuthError{Service: "test", Message: "revoked"}
	_, err = h.run("sync")
	assert.True(t, remote.IsAuthError(err))
}

func TestConfigInitAndShow(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "config.yaml")

	_, err = h.run("config", "init")
	assert.ErrorContains(t, err, "already exists")

	var cfg model.AppConfig
	h.runJSON(&cfg, "config", "show")
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, filepath.Join(h.dir, "mail.db"), cfg.Database.DSN)
	assert.Equal(t, 10, cfg.Sync.MaxHistoryPages)
}

func TestSetupLogger(t *testing.T) {
	_, _, err := setupLogger(model.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	dir := t.TempDir()
	var buf bytes.Buffer
	logger, cleanup, err := setupLogger(model.LogConfig{Level: "debug", Dir: dir}, &buf)
	require.NoError(t, err)
	logger.Debug("hello", "k", "v")
	require.NoError(t, cleanup())

	assert.Contains(t, buf.String(), "hello")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
