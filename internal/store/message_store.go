package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/kws/mailindexer/internal/model"
)

const messageColumns = `
	m.account, m.message_id, m.thread_id, m.history_token, m.label_ids,
	m.raw, m.internal_date, m.size_estimate, m.snippet, m.subject,
	m.rfc822_message_id, m.is_read, m.is_starred, m.is_important,
	m.content_digest, m.indexed_digest, m.created_at, m.updated_at`

// messageRow mirrors a messages row for sqlx struct scanning.
type messageRow struct {
	Account         string `db:"account"`
	MessageID       string `db:"message_id"`
	ThreadID        string `db:"thread_id"`
	HistoryToken    string `db:"history_token"`
	LabelIDs        string `db:"label_ids"`
	Raw             []byte `db:"raw"`
	InternalDate    int64  `db:"internal_date"`
	SizeEstimate    int64  `db:"size_estimate"`
	Snippet         string `db:"snippet"`
	Subject         string `db:"subject"`
	RFC822MessageID string `db:"rfc822_message_id"`
	IsRead          int    `db:"is_read"`
	IsStarred       int    `db:"is_starred"`
	IsImportant     int    `db:"is_important"`
	ContentDigest   string `db:"content_digest"`
	IndexedDigest   string `db:"indexed_digest"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r messageRow) toModel() (model.Message, error) {
	m := model.Message{
		Account:         r.Account,
		ID:              r.MessageID,
		ThreadID:        r.ThreadID,
		HistoryToken:    r.HistoryToken,
		Raw:             r.Raw,
		InternalDate:    fromMillis(r.InternalDate),
		SizeEstimate:    r.SizeEstimate,
		Snippet:         r.Snippet,
		Subject:         r.Subject,
		RFC822MessageID: r.RFC822MessageID,
		Read:            r.IsRead != 0,
		Starred:         r.IsStarred != 0,
		Important:       r.IsImportant != 0,
		ContentDigest:   r.ContentDigest,
		IndexedDigest:   r.IndexedDigest,
		CreatedAt:       fromMillis(r.CreatedAt),
		UpdatedAt:       fromMillis(r.UpdatedAt),
	}
	if r.LabelIDs != "" {
		if err := json.Unmarshal([]byte(r.LabelIDs), &m.LabelIDs); err != nil {
			return model.Message{}, fmt.Errorf("unmarshaling label_ids for %s: %w", r.MessageID, err)
		}
	}
	return m, nil
}

func rowsToMessages(rows []messageRow) ([]model.Message, error) {
	msgs := make([]model.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func encodeLabels(labels []string) (string, error) {
	if labels == nil {
		labels = []string{}
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("marshaling label_ids: %w", err)
	}
	return string(data), nil
}

// UpsertMessage inserts or overwrites a message. Index bookkeeping columns
// and created_at are preserved on overwrite.
func (s *SQLStore) UpsertMessage(ctx context.Context, msg *model.Message) (bool, error) {
	labels, err := encodeLabels(msg.LabelIDs)
	if err != nil {
		return false, err
	}

	flags := model.FlagsFromLabels(msg.LabelIDs)
	msg.Read, msg.Starred, msg.Important = flags.Read, flags.Starred, flags.Important
	msg.ContentDigest = model.Digest(msg.Raw)
	now := s.now().UTC()

	var created bool
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(
			"SELECT COUNT(*) FROM messages WHERE account = ? AND message_id = ?"),
			msg.Account, msg.ID,
		); err != nil {
			return fmt.Errorf("checking message %s: %w", msg.ID, err)
		}
		created = n == 0

		_, err := tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO messages (
				account, message_id, thread_id, history_token, label_ids,
				raw, internal_date, size_estimate, snippet, subject,
				rfc822_message_id, is_read, is_starred, is_important,
				content_digest, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (account, message_id) DO UPDATE SET
				thread_id = excluded.thread_id,
				history_token = excluded.history_token,
				label_ids = excluded.label_ids,
				raw = excluded.raw,
				internal_date = excluded.internal_date,
				size_estimate = excluded.size_estimate,
				snippet = excluded.snippet,
				subject = excluded.subject,
				rfc822_message_id = excluded.rfc822_message_id,
				is_read = excluded.is_read,
				is_starred = excluded.is_starred,
				is_important = excluded.is_important,
				content_digest = excluded.content_digest,
				updated_at = excluded.updated_at`),
			msg.Account, msg.ID, msg.ThreadID, msg.HistoryToken, labels,
			msg.Raw, toMillis(msg.InternalDate), msg.SizeEstimate, msg.Snippet, msg.Subject,
			msg.RFC822MessageID, boolToInt(msg.Read), boolToInt(msg.Starred), boolToInt(msg.Important),
			msg.ContentDigest, now.UnixMilli(), now.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upserting message %s: %w", msg.ID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if created {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	return created, nil
}

// GetMessage retrieves a single message. found is false when it is absent.
func (s *SQLStore) GetMessage(ctx context.Context, account, id string) (*model.Message, bool, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+messageColumns+" FROM messages m WHERE m.account = ? AND m.message_id = ?"),
		account, id,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting message %s: %w", id, err)
	}

	m, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return &m, true, nil
}

// MessageExists reports whether a message is stored locally.
func (s *SQLStore) MessageExists(ctx context.Context, account, id string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		"SELECT COUNT(*) FROM messages WHERE account = ? AND message_id = ?"),
		account, id,
	)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", id, err)
	}
	return n > 0, nil
}

// UpdateMessageLabels replaces a message's labels, recomputing its flags.
// historyToken is only written when non-empty.
func (s *SQLStore) UpdateMessageLabels(
	ctx context.Context,
	account, id string,
	labels []string,
	historyToken string,
) (bool, error) {
	encoded, err := encodeLabels(labels)
	if err != nil {
		return false, err
	}
	flags := model.FlagsFromLabels(labels)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE messages SET
			label_ids = ?, is_read = ?, is_starred = ?, is_important = ?,
			history_token = CASE WHEN ? = '' THEN history_token ELSE ? END,
			updated_at = ?
		WHERE account = ? AND message_id = ?`),
		encoded, boolToInt(flags.Read), boolToInt(flags.Starred), boolToInt(flags.Important),
		historyToken, historyToken,
		s.now().UTC().UnixMilli(),
		account, id,
	)
	if err != nil {
		return false, fmt.Errorf("updating labels for message %s: %w", id, err)
	}
	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// UpdateMessageHeaders rewrites the header-derived columns of a message.
func (s *SQLStore) UpdateMessageHeaders(ctx context.Context, key model.MessageKey, subject, rfc822ID string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE messages SET subject = ?, rfc822_message_id = ? WHERE account = ? AND message_id = ?"),
		subject, rfc822ID, key.Account, key.MessageID,
	)
	if err != nil {
		return fmt.Errorf("updating headers for message %s: %w", key.MessageID, err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("message %s: %w", key.MessageID, ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a message and its relationships.
func (s *SQLStore) DeleteMessage(ctx context.Context, account, id string) (bool, error) {
	var deleted bool
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"DELETE FROM message_addresses WHERE account = ? AND message_id = ?"),
			account, id,
		); err != nil {
			return fmt.Errorf("deleting relationships of message %s: %w", id, err)
		}

		result, err := tx.ExecContext(ctx, tx.Rebind(
			"DELETE FROM messages WHERE account = ? AND message_id = ?"),
			account, id,
		)
		if err != nil {
			return fmt.Errorf("deleting message %s: %w", id, err)
		}
		rows, _ := result.RowsAffected()
		deleted = rows > 0
		return nil
	})
	return deleted, err
}

// ListMessages retrieves messages matching the filter, newest first.
func (s *SQLStore) ListMessages(ctx context.Context, filter MessageFilter) ([]model.Message, error) {
	var conditions []string
	var args []any

	if filter.Account != "" {
		conditions = append(conditions, "m.account = ?")
		args = append(args, filter.Account)
	}
	if filter.LabelID != "" {
		conditions = append(conditions, "m.label_ids LIKE ?"+likeEscape)
		args = append(args, containsPattern(`"`+filter.LabelID+`"`))
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "m.is_read = 0")
	}
	if filter.StarredOnly {
		conditions = append(conditions, "m.is_starred = 1")
	}

	query := "SELECT " + messageColumns + " FROM messages m"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY m.internal_date DESC, m.message_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return rowsToMessages(rows)
}

// relationshipExists matches messages aliased m that have any relationship.
const relationshipExists = `EXISTS (
	SELECT 1 FROM message_addresses ma
	WHERE ma.account = m.account AND ma.message_id = m.message_id)`

// Index-state predicates over messages aliased m. A message indexed with no
// addresses has indexed_entries = 0 and is neither missing nor stale while
// its content is unchanged.
var (
	missingPredicate = "(NOT " + relationshipExists +
		" AND (m.indexed_digest = '' OR m.indexed_entries > 0))"
	stalePredicate = "(m.indexed_digest <> '' AND m.indexed_digest <> m.content_digest" +
		" AND (m.indexed_entries = 0 OR " + relationshipExists + "))"
)

func messageQueryWhere(q MessageQuery) (string, []any) {
	var conditions []string
	var args []any

	if q.Account != "" {
		conditions = append(conditions, "m.account = ?")
		args = append(args, q.Account)
	}
	switch q.Scope {
	case ScopeMissing:
		conditions = append(conditions, missingPredicate)
	case ScopeStale:
		conditions = append(conditions, stalePredicate)
	case ScopeUnindexed:
		conditions = append(conditions, "("+missingPredicate+" OR "+stalePredicate+")")
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// ListMessageKeys snapshots the keys of messages matching q, oldest first.
func (s *SQLStore) ListMessageKeys(ctx context.Context, q MessageQuery) ([]model.MessageKey, error) {
	where, args := messageQueryWhere(q)
	query := "SELECT m.account, m.message_id FROM messages m" + where +
		" ORDER BY m.account, m.internal_date, m.message_id"

	var keys []model.MessageKey
	if err := s.db.SelectContext(ctx, &keys, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing message keys: %w", err)
	}
	return keys, nil
}

// CountMessageKeys counts messages matching q.
func (s *SQLStore) CountMessageKeys(ctx context.Context, q MessageQuery) (int, error) {
	where, args := messageQueryWhere(q)

	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM messages m"+where), args...); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// GetMessagesByKeys loads the messages for keys. Keys that no longer exist
// are skipped.
func (s *SQLStore) GetMessagesByKeys(ctx context.Context, keys []model.MessageKey) ([]model.Message, error) {
	byAccount := make(map[string][]string)
	var accounts []string
	for _, k := range keys {
		if _, ok := byAccount[k.Account]; !ok {
			accounts = append(accounts, k.Account)
		}
		byAccount[k.Account] = append(byAccount[k.Account], k.MessageID)
	}
	sort.Strings(accounts)

	var msgs []model.Message
	for _, account := range accounts {
		query, args, err := in(s.db,
			"SELECT "+messageColumns+" FROM messages m WHERE m.account = ? AND m.message_id IN (?)"+
				" ORDER BY m.internal_date, m.message_id",
			account, byAccount[account],
		)
		if err != nil {
			return nil, err
		}

		var rows []messageRow
		if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
			return nil, fmt.Errorf("loading messages for %s: %w", account, err)
		}
		batch, err := rowsToMessages(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, batch...)
	}
	return msgs, nil
}
