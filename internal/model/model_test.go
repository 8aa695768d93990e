package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsFromLabels(t *testing.T) {
	tests := []struct {
		name   string
		labels []string
		want   Flags
	}{
		{name: "no labels", labels: nil, want: Flags{Read: true}},
		{name: "unread", labels: []string{"INBOX", "UNREAD"}, want: Flags{}},
		{
			name:   "starred and important",
			labels: []string{"STARRED", "IMPORTANT"},
			want:   Flags{Read: true, Starred: true, Important: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FlagsFromLabels(tt.labels))
		})
	}
}

func TestApplyLabelsCopiesSlice(t *testing.T) {
	labels := []string{"UNREAD"}
	var m Message
	m.ApplyLabels(labels)
	labels[0] = "STARRED"

	assert.Equal(t, []string{"UNREAD"}, m.LabelIDs)
	assert.False(t, m.Read)
	assert.False(t, m.Starred)
}

func TestHasAnyLabel(t *testing.T) {
	assert.True(t, HasAnyLabel([]string{"INBOX"}, nil))
	assert.True(t, HasAnyLabel([]string{"INBOX", "Label_1"}, []string{"Label_1"}))
	assert.False(t, HasAnyLabel([]string{"INBOX"}, []string{"Label_1"}))
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Reply-To ")
	require.NoError(t, err)
	assert.Equal(t, RoleReplyTo, r)

	r, err = ParseRole("CC")
	require.NoError(t, err)
	assert.Equal(t, RoleCC, r)

	_, err = ParseRole("sender")
	assert.Error(t, err)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeEmail("  Alice@Example.COM "))
}

func TestLabelCategory(t *testing.T) {
	assert.Equal(t, "System", Label{Type: "system"}.Category())
	assert.Equal(t, "User", Label{Type: "user"}.Category())
	assert.Equal(t, "Unknown", Label{}.Category())
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, 500, cfg.Sync.HistoryPageSize)
	assert.Equal(t, "INBOX", cfg.IMAP.Mailbox)
}

func TestLoadConfigSources(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  driver: pgx
  dsn: postgres://localhost/mail
sync:
  batch_size: 25
sources:
  - account: me@example.com
    labels: [Newsletters]
  - account: other@example.com
    enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "pgx", cfg.Database.Driver)
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 500, cfg.Sync.HistoryPageSize)
	require.Len(t, cfg.Sources, 2)
	assert.True(t, cfg.Sources[0].Enabled)
	assert.Equal(t, []string{"Newsletters"}, cfg.Sources[0].Labels)
	assert.False(t, cfg.Sources[1].Enabled)
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	cfg.Sources = []SourceConfig{{Account: "me@example.com", Enabled: true}}

	require.NoError(t, SaveConfig(path, cfg))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, loaded.Sources, 1)
	assert.Equal(t, "me@example.com", loaded.Sources[0].Account)
}
