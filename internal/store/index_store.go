package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kws/mailindexer/internal/model"
)

// addressRow mirrors an indexed_addresses row for sqlx struct scanning.
type addressRow struct {
	Email        string        `db:"email"`
	DisplayName  string        `db:"display_name"`
	MessageCount int           `db:"message_count"`
	FirstSeen    sql.NullInt64 `db:"first_seen"`
	LastSeen     sql.NullInt64 `db:"last_seen"`
	CreatedAt    int64         `db:"created_at"`
}

func (r addressRow) toModel() model.IndexedAddress {
	return model.IndexedAddress{
		Email:        r.Email,
		DisplayName:  r.DisplayName,
		MessageCount: r.MessageCount,
		FirstSeen:    fromMillis(r.FirstSeen.Int64),
		LastSeen:     fromMillis(r.LastSeen.Int64),
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

const addressColumns = "email, display_name, message_count, first_seen, last_seen, created_at"

// statsQuery compares stored address statistics with those computed from
// relationships. Relationships are de-duplicated per message first so an
// address appearing under several roles counts once.
const statsQuery = `
	SELECT a.email,
		a.message_count AS stored_count,
		a.first_seen AS stored_first,
		a.last_seen AS stored_last,
		COUNT(m.message_id) AS actual_count,
		MIN(m.internal_date) AS actual_first,
		MAX(m.internal_date) AS actual_last
	FROM indexed_addresses a
	LEFT JOIN (SELECT DISTINCT email, account, message_id FROM message_addresses) r
		ON r.email = a.email
	LEFT JOIN messages m
		ON m.account = r.account AND m.message_id = r.message_id`

const statsGroupBy = `
	GROUP BY a.email, a.message_count, a.first_seen, a.last_seen
	ORDER BY a.email`

type statsRow struct {
	Email       string        `db:"email"`
	StoredCount int           `db:"stored_count"`
	StoredFirst sql.NullInt64 `db:"stored_first"`
	StoredLast  sql.NullInt64 `db:"stored_last"`
	ActualCount int           `db:"actual_count"`
	ActualFirst sql.NullInt64 `db:"actual_first"`
	ActualLast  sql.NullInt64 `db:"actual_last"`
}

func (r statsRow) toStats() AddressStats {
	return AddressStats{
		Email:           r.Email,
		StoredCount:     r.StoredCount,
		StoredFirstSeen: fromMillis(r.StoredFirst.Int64),
		StoredLastSeen:  fromMillis(r.StoredLast.Int64),
		ActualCount:     r.ActualCount,
		ActualFirstSeen: fromMillis(r.ActualFirst.Int64),
		ActualLastSeen:  fromMillis(r.ActualLast.Int64),
	}
}

// computeStats runs statsQuery on ext, restricted to emails when non-nil.
func computeStats(ctx context.Context, ext sqlx.ExtContext, emails []string) ([]AddressStats, error) {
	var (
		query string
		args  []any
		err   error
	)
	switch {
	case emails == nil:
		query = ext.Rebind(statsQuery + statsGroupBy)
	case len(emails) == 0:
		return nil, nil
	default:
		query, args, err = in(ext, statsQuery+" WHERE a.email IN (?)"+statsGroupBy, emails)
		if err != nil {
			return nil, err
		}
	}

	var rows []statsRow
	if err := sqlx.SelectContext(ctx, ext, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("computing address statistics: %w", err)
	}

	stats := make([]AddressStats, 0, len(rows))
	for _, r := range rows {
		stats = append(stats, r.toStats())
	}
	return stats, nil
}

// writeStats stores the actual statistics of every inconsistent entry.
func writeStats(ctx context.Context, ext sqlx.ExtContext, stats []AddressStats) (int, error) {
	updated := 0
	for _, st := range stats {
		if st.Consistent() {
			continue
		}
		_, err := ext.ExecContext(ctx, ext.Rebind(`
			UPDATE indexed_addresses
			SET message_count = ?, first_seen = ?, last_seen = ?
			WHERE email = ?`),
			st.ActualCount, nullMillis(st.ActualFirstSeen), nullMillis(st.ActualLastSeen),
			st.Email,
		)
		if err != nil {
			return updated, fmt.Errorf("updating statistics for %s: %w", st.Email, err)
		}
		updated++
	}
	return updated, nil
}

// nullMillis maps the zero time to NULL.
func nullMillis(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// ReplaceMessageAddresses swaps a message's relationships for entries in a
// single transaction. Entries must already be normalised and de-duplicated
// by (email, role); duplicates are ignored.
func (s *SQLStore) ReplaceMessageAddresses(
	ctx context.Context,
	key model.MessageKey,
	entries []model.AddressEntry,
	digest string,
	recompute bool,
) error {
	now := s.now().UTC().UnixMilli()

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(
			"SELECT COUNT(*) FROM messages WHERE account = ? AND message_id = ?"),
			key.Account, key.MessageID,
		); err != nil {
			return fmt.Errorf("checking message %s: %w", key.MessageID, err)
		}
		if n == 0 {
			return fmt.Errorf("message %s: %w", key.MessageID, ErrNotFound)
		}

		var previous []string
		if recompute {
			if err := tx.SelectContext(ctx, &previous, tx.Rebind(
				"SELECT DISTINCT email FROM message_addresses WHERE account = ? AND message_id = ?"),
				key.Account, key.MessageID,
			); err != nil {
				return fmt.Errorf("listing relationships of message %s: %w", key.MessageID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"DELETE FROM message_addresses WHERE account = ? AND message_id = ?"),
			key.Account, key.MessageID,
		); err != nil {
			return fmt.Errorf("clearing relationships of message %s: %w", key.MessageID, err)
		}

		touched := make(map[string]struct{}, len(entries)+len(previous))
		for _, e := range previous {
			touched[e] = struct{}{}
		}

		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO indexed_addresses (email, display_name, message_count, created_at)
				VALUES (?, ?, 0, ?)
				ON CONFLICT (email) DO UPDATE SET
					display_name = CASE
						WHEN indexed_addresses.display_name = '' THEN excluded.display_name
						ELSE indexed_addresses.display_name
					END`),
				e.Email, e.DisplayName, now,
			); err != nil {
				return fmt.Errorf("upserting address %s: %w", e.Email, err)
			}

			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO message_addresses (account, message_id, email, role, display_name)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (account, message_id, email, role) DO NOTHING`),
				key.Account, key.MessageID, e.Email, string(e.Role), e.DisplayName,
			); err != nil {
				return fmt.Errorf("linking %s as %s of message %s: %w", e.Email, e.Role, key.MessageID, err)
			}
			touched[e.Email] = struct{}{}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE messages SET indexed_digest = ?, indexed_entries = ? WHERE account = ? AND message_id = ?"),
			digest, len(entries), key.Account, key.MessageID,
		); err != nil {
			return fmt.Errorf("stamping index digest on message %s: %w", key.MessageID, err)
		}

		if !recompute {
			return nil
		}

		emails := make([]string, 0, len(touched))
		for e := range touched {
			emails = append(emails, e)
		}
		sort.Strings(emails)

		stats, err := computeStats(ctx, tx, emails)
		if err != nil {
			return err
		}
		_, err = writeStats(ctx, tx, stats)
		return err
	})
}

// ComputeAddressStats returns stored and actual statistics for emails, or
// for every address when emails is nil.
func (s *SQLStore) ComputeAddressStats(ctx context.Context, emails []string) ([]AddressStats, error) {
	return computeStats(ctx, s.db, emails)
}

// UpdateAddressStats writes actual statistics for every inconsistent entry
// and returns how many addresses changed.
func (s *SQLStore) UpdateAddressStats(ctx context.Context, stats []AddressStats) (int, error) {
	var updated int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		updated, err = writeStats(ctx, tx, stats)
		return err
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

const orphanPredicate = `NOT EXISTS (
	SELECT 1 FROM message_addresses ma WHERE ma.email = indexed_addresses.email)`

// CountOrphanAddresses counts addresses with no relationships.
func (s *SQLStore) CountOrphanAddresses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM indexed_addresses WHERE "+orphanPredicate,
	); err != nil {
		return 0, fmt.Errorf("counting orphaned addresses: %w", err)
	}
	return n, nil
}

// DeleteOrphanAddresses removes every address with no relationships. The
// predicate is evaluated at deletion time.
func (s *SQLStore) DeleteOrphanAddresses(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM indexed_addresses WHERE "+orphanPredicate,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting orphaned addresses: %w", err)
	}
	rows, _ := result.RowsAffected()
	return int(rows), nil
}

// ClearIndex removes relationships for account (all accounts when empty)
// and resets the affected messages' index bookkeeping.
func (s *SQLStore) ClearIndex(ctx context.Context, account string) (int, error) {
	var removed int
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		where := ""
		var args []any
		if account != "" {
			where = " WHERE account = ?"
			args = append(args, account)
		}

		result, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM message_addresses"+where), args...)
		if err != nil {
			return fmt.Errorf("clearing relationships: %w", err)
		}
		rows, _ := result.RowsAffected()
		removed = int(rows)

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			"UPDATE messages SET indexed_digest = '', indexed_entries = 0"+where), args...,
		); err != nil {
			return fmt.Errorf("resetting index digests: %w", err)
		}
		return nil
	})
	return removed, err
}

// GetAddress retrieves a single indexed address.
func (s *SQLStore) GetAddress(ctx context.Context, email string) (*model.IndexedAddress, bool, error) {
	var row addressRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		"SELECT "+addressColumns+" FROM indexed_addresses WHERE email = ?"),
		model.NormalizeEmail(email),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting address %s: %w", email, err)
	}

	a := row.toModel()
	return &a, true, nil
}

func (s *SQLStore) selectAddresses(ctx context.Context, query string, args ...any) ([]model.IndexedAddress, error) {
	var rows []addressRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	addrs := make([]model.IndexedAddress, 0, len(rows))
	for _, r := range rows {
		addrs = append(addrs, r.toModel())
	}
	return addrs, nil
}

// SearchAddresses finds addresses containing pattern as a literal
// substring, ordered by message
// count descending then email.
func (s *SQLStore) SearchAddresses(ctx context.Context, pattern string, limit int) ([]model.IndexedAddress, error) {
	query := "SELECT " + addressColumns + " FROM indexed_addresses WHERE email LIKE ?" + likeEscape +
		" ORDER BY message_count DESC, email"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	addrs, err := s.selectAddresses(ctx, query, containsPattern(model.NormalizeEmail(pattern)))
	if err != nil {
		return nil, fmt.Errorf("searching addresses for %q: %w", pattern, err)
	}
	return addrs, nil
}

// TopAddresses returns the addresses with the most messages.
func (s *SQLStore) TopAddresses(ctx context.Context, limit int) ([]model.IndexedAddress, error) {
	query := "SELECT " + addressColumns + " FROM indexed_addresses ORDER BY message_count DESC, email"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	addrs, err := s.selectAddresses(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying top addresses: %w", err)
	}
	return addrs, nil
}

// CountAddresses counts every indexed address.
func (s *SQLStore) CountAddresses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM indexed_addresses"); err != nil {
		return 0, fmt.Errorf("counting addresses: %w", err)
	}
	return n, nil
}

// CountRelationships counts relationships for account (all when empty).
func (s *SQLStore) CountRelationships(ctx context.Context, account string) (int, error) {
	query := "SELECT COUNT(*) FROM message_addresses"
	var args []any
	if account != "" {
		query += " WHERE account = ?"
		args = append(args, account)
	}

	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("counting relationships: %w", err)
	}
	return n, nil
}

func (s *SQLStore) roleCounts(ctx context.Context, column, value string) (map[model.Role]int, error) {
	query := "SELECT role, COUNT(*) AS n FROM message_addresses"
	var args []any
	if value != "" {
		query += " WHERE " + column + " = ?"
		args = append(args, value)
	}
	query += " GROUP BY role"

	var rows []struct {
		Role string `db:"role"`
		N    int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	counts := make(map[model.Role]int, len(rows))
	for _, r := range rows {
		counts[model.Role(r.Role)] = r.N
	}
	return counts, nil
}

// RoleDistribution counts relationships per role for account (all when
// empty).
func (s *SQLStore) RoleDistribution(ctx context.Context, account string) (map[model.Role]int, error) {
	counts, err := s.roleCounts(ctx, "account", account)
	if err != nil {
		return nil, fmt.Errorf("querying role distribution: %w", err)
	}
	return counts, nil
}

// RoleCountsForAddress counts an address's relationships per role.
func (s *SQLStore) RoleCountsForAddress(ctx context.Context, email string) (map[model.Role]int, error) {
	email = model.NormalizeEmail(email)
	if email == "" {
		return map[model.Role]int{}, nil
	}
	counts, err := s.roleCounts(ctx, "email", email)
	if err != nil {
		return nil, fmt.Errorf("querying roles for %s: %w", email, err)
	}
	return counts, nil
}

// MessagesForAddress returns messages related to email, optionally only
// under the given roles, newest first.
func (s *SQLStore) MessagesForAddress(
	ctx context.Context,
	email string,
	roles []model.Role,
	limit int,
) ([]model.Message, error) {
	sub := `SELECT 1 FROM message_addresses ma
		WHERE ma.account = m.account AND ma.message_id = m.message_id AND ma.email = ?`
	args := []any{model.NormalizeEmail(email)}
	if len(roles) > 0 {
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, string(r))
		}
		sub += " AND ma.role IN (?)"
		args = append(args, names)
	}

	query := "SELECT " + messageColumns + " FROM messages m WHERE EXISTS (" + sub + ")" +
		" ORDER BY m.internal_date DESC, m.message_id"
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	query, args, err := in(s.db, query, args...)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages for %s: %w", email, err)
	}
	return rowsToMessages(rows)
}

// RelationshipsForMessage lists a message's relationships in role order.
func (s *SQLStore) RelationshipsForMessage(ctx context.Context, key model.MessageKey) ([]model.Relationship, error) {
	var rows []struct {
		Account     string `db:"account"`
		MessageID   string `db:"message_id"`
		Email       string `db:"email"`
		Role        string `db:"role"`
		DisplayName string `db:"display_name"`
	}
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
		SELECT account, message_id, email, role, display_name
		FROM message_addresses
		WHERE account = ? AND message_id = ?
		ORDER BY email, role`),
		key.Account, key.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying relationships of message %s: %w", key.MessageID, err)
	}

	rels := make([]model.Relationship, 0, len(rows))
	for _, r := range rows {
		rels = append(rels, model.Relationship{
			Account:     r.Account,
			MessageID:   r.MessageID,
			Email:       r.Email,
			Role:        model.Role(r.Role),
			DisplayName: r.DisplayName,
		})
	}
	sort.SliceStable(rels, func(i, j int) bool {
		return roleOrder(rels[i].Role) < roleOrder(rels[j].Role)
	})
	return rels, nil
}

func roleOrder(r model.Role) int {
	for i, role := range model.Roles {
		if role == r {
			return i
		}
	}
	return len(model.Roles)
}
