package store

import "strings"

// migration holds a single schema migration with its target version and SQL.
// The SQL may use the {{BLOB}} placeholder for the driver's binary type.
type migration struct {
	version int
	sql     string
}

// render returns the migration SQL for the given driver.
func (m migration) render(driver string) string {
	blob := "BLOB"
	if driver == DriverPostgres {
		blob = "BYTEA"
	}
	return strings.ReplaceAll(m.sql, "{{BLOB}}", blob)
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS messages (
	account           TEXT NOT NULL,
	message_id        TEXT NOT NULL,
	thread_id         TEXT NOT NULL DEFAULT '',
	history_token     TEXT NOT NULL DEFAULT '',
	label_ids         TEXT NOT NULL DEFAULT '[]',
	raw               {{BLOB}},
	internal_date     BIGINT NOT NULL DEFAULT 0,
	size_estimate     BIGINT NOT NULL DEFAULT 0,
	snippet           TEXT NOT NULL DEFAULT '',
	subject           TEXT NOT NULL DEFAULT '',
	rfc822_message_id TEXT NOT NULL DEFAULT '',
	is_read           INTEGER NOT NULL DEFAULT 0 CHECK(is_read IN (0, 1)),
	is_starred        INTEGER NOT NULL DEFAULT 0 CHECK(is_starred IN (0, 1)),
	is_important      INTEGER NOT NULL DEFAULT 0 CHECK(is_important IN (0, 1)),
	content_digest    TEXT NOT NULL DEFAULT '',
	indexed_digest    TEXT NOT NULL DEFAULT '',
	indexed_entries   INTEGER NOT NULL DEFAULT 0,
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL,
	PRIMARY KEY (account, message_id)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	account       TEXT PRIMARY KEY,
	history_token TEXT NOT NULL,
	last_sync_at  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS indexed_addresses (
	email         TEXT PRIMARY KEY,
	display_name  TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	first_seen    BIGINT,
	last_seen     BIGINT,
	created_at    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_addresses (
	account      TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	email        TEXT NOT NULL REFERENCES indexed_addresses(email) ON DELETE CASCADE,
	role         TEXT NOT NULL CHECK(role IN ('from', 'to', 'cc', 'bcc', 'reply_to')),
	display_name TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account, message_id, email, role),
	FOREIGN KEY (account, message_id)
		REFERENCES messages(account, message_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_internal_date ON messages(account, internal_date);
CREATE INDEX IF NOT EXISTS idx_message_addresses_email ON message_addresses(email);
CREATE INDEX IF NOT EXISTS idx_indexed_addresses_count ON indexed_addresses(message_count);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS sync_runs (
	id               TEXT PRIMARY KEY,
	account          TEXT NOT NULL,
	sync_type        TEXT NOT NULL CHECK(sync_type IN ('full', 'incremental')),
	fell_back        INTEGER NOT NULL DEFAULT 0 CHECK(fell_back IN (0, 1)),
	new_messages     INTEGER NOT NULL DEFAULT 0,
	updated_messages INTEGER NOT NULL DEFAULT 0,
	deleted_messages INTEGER NOT NULL DEFAULT 0,
	labels_modified  INTEGER NOT NULL DEFAULT 0,
	error_count      INTEGER NOT NULL DEFAULT 0,
	cursor_token     TEXT NOT NULL DEFAULT '',
	detail           TEXT NOT NULL DEFAULT '{}',
	started_at       BIGINT NOT NULL,
	finished_at      BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_runs_account_started
	ON sync_runs(account, started_at);
`,
	},
}
