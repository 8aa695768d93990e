package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/kws/mailindexer/internal/model"
)

// GetCursor retrieves an account's sync cursor. found is false when the
// account has never completed a sync.
func (s *SQLStore) GetCursor(ctx context.Context, account string) (*model.SyncCursor, bool, error) {
	var row struct {
		Account      string `db:"account"`
		HistoryToken string `db:"history_token"`
		LastSyncAt   int64  `db:"last_sync_at"`
	}
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT account, history_token, last_sync_at FROM sync_cursors WHERE account = ?"),
		account,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting cursor for %s: %w", account, err)
	}

	return &model.SyncCursor{
		Account:      row.Account,
		HistoryToken: row.HistoryToken,
		LastSyncAt:   fromMillis(row.LastSyncAt),
	}, true, nil
}

// SaveCursor inserts or replaces an account's sync cursor.
func (s *SQLStore) SaveCursor(ctx context.Context, cursor model.SyncCursor) error {
	if cursor.LastSyncAt.IsZero() {
		cursor.LastSyncAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_cursors (account, history_token, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT (account) DO UPDATE SET
			history_token = excluded.history_token,
			last_sync_at = excluded.last_sync_at`),
		cursor.Account, cursor.HistoryToken, toMillis(cursor.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("saving cursor for %s: %w", cursor.Account, err)
	}
	return nil
}

// RecordSyncRun inserts a sync run record. If the run has no ID, a new
// UUID is generated.
func (s *SQLStore) RecordSyncRun(ctx context.Context, run model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Detail == "" {
		run.Detail = "{}"
	}

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sync_runs (
			id, account, sync_type, fell_back,
			new_messages, updated_messages, deleted_messages, labels_modified,
			error_count, cursor_token, detail, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Account, run.SyncType, boolToInt(run.FellBack),
		run.NewMessages, run.UpdatedMessages, run.DeletedMessages, run.LabelsModified,
		run.ErrorCount, run.Cursor, run.Detail,
		toMillis(run.StartedAt), toMillis(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("recording sync run %s: %w", run.ID, err)
	}
	return nil
}

// ListSyncRuns returns the most recent sync runs, newest first. An empty
// account lists runs for every account.
func (s *SQLStore) ListSyncRuns(ctx context.Context, account string, limit int) ([]model.SyncRun, error) {
	query := `
		SELECT id, account, sync_type, fell_back,
			new_messages, updated_messages, deleted_messages, labels_modified,
			error_count, cursor_token, detail, started_at, finished_at
		FROM sync_runs`
	var args []any
	if account != "" {
		query += " WHERE account = ?"
		args = append(args, account)
	}
	query += " ORDER BY started_at DESC, id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	var rows []struct {
		ID              string `db:"id"`
		Account         string `db:"account"`
		SyncType        string `db:"sync_type"`
		FellBack        int    `db:"fell_back"`
		NewMessages     int    `db:"new_messages"`
		UpdatedMessages int    `db:"updated_messages"`
		DeletedMessages int    `db:"deleted_messages"`
		LabelsModified  int    `db:"labels_modified"`
		ErrorCount      int    `db:"error_count"`
		Cursor          string `db:"cursor_token"`
		Detail          string `db:"detail"`
		StartedAt       int64  `db:"started_at"`
		FinishedAt      int64  `db:"finished_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying sync runs: %w", err)
	}

	runs := make([]model.SyncRun, 0, len(rows))
	for _, r := range rows {
		runs = append(runs, model.SyncRun{
			ID:              r.ID,
			Account:         r.Account,
			SyncType:        r.SyncType,
			FellBack:        r.FellBack != 0,
			NewMessages:     r.NewMessages,
			UpdatedMessages: r.UpdatedMessages,
			DeletedMessages: r.DeletedMessages,
			LabelsModified:  r.LabelsModified,
			ErrorCount:      r.ErrorCount,
			Cursor:          r.Cursor,
			Detail:          r.Detail,
			StartedAt:       fromMillis(r.StartedAt),
			FinishedAt:      fromMillis(r.FinishedAt),
		})
	}
	return runs, nil
}
