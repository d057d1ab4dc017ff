package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"mangabot/internal/model"
	"mangabot/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const entryColumns = `id, group_id, channel_id, creator_id, item_id, source_id,
	extra_config, message_first, private_thread, deleted_at, paused_at, created_at`

// GetEntry returns a single entry by its ID.
func (s *SQLite) GetEntry(ctx context.Context, id int64) (*model.TrackedEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = ?`, id,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

// GetOrCreateEntry finds an entry matching (group, channel, source, item) or
// inserts a new one. On a hit the existing row is loaded into entry; on a miss
// entry.ID and entry.CreatedAt are populated from the insert.
func (s *SQLite) GetOrCreateEntry(ctx context.Context, entry *model.TrackedEntry) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE group_id = ? AND channel_id = ? AND source_id = ? AND item_id = ?`,
		entry.GroupID, entry.ChannelID, entry.SourceID, entry.ItemID,
	)
	existing, err := scanEntry(row)
	switch {
	case err == nil:
		*entry = *existing
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (group_id, channel_id, creator_id, item_id, source_id,
		 extra_config, message_first, private_thread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.GroupID, entry.ChannelID, entry.CreatorID, entry.ItemID, entry.SourceID,
		rawToNull(entry.ExtraConfig), boolToInt(entry.MessageFirst), boolToInt(entry.PrivateThread), now,
	)
	if err != nil {
		return false, fmt.Errorf("insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return false, fmt.Errorf("last insert id: %w", err)
	}
	entry.ID = id
	entry.CreatedAt, _ = time.Parse(timeLayout, now)
	return true, nil
}

// UpdateEntryConfig replaces the per-entry customization config.
func (s *SQLite) UpdateEntryConfig(ctx context.Context, id int64, config json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET extra_config = ? WHERE id = ?`, rawToNull(config), id,
	)
	if err != nil {
		return fmt.Errorf("update entry config: %w", err)
	}
	return nil
}

// SetPaused sets or clears the paused marker on an entry.
func (s *SQLite) SetPaused(ctx context.Context, id int64, pausedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET paused_at = ? WHERE id = ?`, timeToNull(pausedAt), id,
	)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	return nil
}

// SoftDeleteEntry marks an entry as deleted without removing its rows.
func (s *SQLite) SoftDeleteEntry(ctx context.Context, id int64, when time.Time) error {
	v := when.UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`UPDATE entries SET deleted_at = ? WHERE id = ?`, v, id,
	)
	if err != nil {
		return fmt.Errorf("soft delete entry: %w", err)
	}
	return nil
}

// ReactivateEntry clears the deleted marker and, for non-group targets,
// transfers ownership to the target, in a single transaction.
func (s *SQLite) ReactivateEntry(ctx context.Context, id int64, targetID int64, isGroup bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE entries SET deleted_at = NULL WHERE id = ?`, id); err != nil {
		return fmt.Errorf("clear deleted: %w", err)
	}
	if !isGroup {
		if _, err := tx.ExecContext(ctx, `UPDATE entries SET creator_id = ? WHERE id = ?`, targetID, id); err != nil {
			return fmt.Errorf("transfer creator: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteEntry removes an entry together with its pings and thread records.
func (s *SQLite) DeleteEntry(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("delete threads: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pings WHERE entry_id = ?`, id); err != nil {
		return fmt.Errorf("delete pings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return tx.Commit()
}

// ListEntriesByGroup returns all non-deleted entries for a group.
func (s *SQLite) ListEntriesByGroup(ctx context.Context, groupID int64) ([]model.TrackedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE group_id = ? AND deleted_at IS NULL ORDER BY id`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// ActiveDestinations returns the distinct (group, channel) pairs that have at
// least one active entry.
func (s *SQLite) ActiveDestinations(ctx context.Context) ([]model.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT group_id, channel_id FROM entries
		 WHERE deleted_at IS NULL AND paused_at IS NULL ORDER BY group_id, channel_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dests []model.Destination
	for rows.Next() {
		var d model.Destination
		if err := rows.Scan(&d.GroupID, &d.ChannelID); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		dests = append(dests, d)
	}
	return dests, rows.Err()
}

// ActiveSources returns the distinct source ids with at least one active entry.
func (s *SQLite) ActiveSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT source_id FROM entries
		 WHERE deleted_at IS NULL AND paused_at IS NULL ORDER BY source_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sources []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		sources = append(sources, id)
	}
	return sources, rows.Err()
}

// ActiveEntriesBySource returns the active entries of one source whose channel
// is in the given reachable set, grouped by item id.
func (s *SQLite) ActiveEntriesBySource(ctx context.Context, sourceID string, channels []int64) (map[string][]*model.TrackedEntry, error) {
	if len(channels) == 0 {
		return map[string][]*model.TrackedEntry{}, nil
	}

	query := `SELECT ` + entryColumns + ` FROM entries
	 WHERE source_id = ? AND deleted_at IS NULL AND paused_at IS NULL
	   AND channel_id IN (?` + strings.Repeat(",?", len(channels)-1) + `) ORDER BY id`
	args := make([]any, 0, len(channels)+1)
	args = append(args, sourceID)
	for _, ch := range channels {
		args = append(args, ch)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byItem := make(map[string][]*model.TrackedEntry)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		byItem[e.ItemID] = append(byItem[e.ItemID], e)
	}
	return byItem, rows.Err()
}

// GetOrCreatePing finds or creates a ping for (entry, target).
func (s *SQLite) GetOrCreatePing(ctx context.Context, entryID, targetID int64, isGroup bool) (*model.Ping, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, entry_id, target_id, is_group FROM pings
		 WHERE entry_id = ? AND target_id = ? AND is_group = ?`,
		entryID, targetID, boolToInt(isGroup),
	)
	var p model.Ping
	var ig int
	err := row.Scan(&p.ID, &p.EntryID, &p.TargetID, &ig)
	switch {
	case err == nil:
		p.IsGroup = ig == 1
		return &p, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("scan ping: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pings (entry_id, target_id, is_group) VALUES (?, ?, ?)`,
		entryID, targetID, boolToInt(isGroup),
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert ping: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, false, fmt.Errorf("last insert id: %w", err)
	}
	return &model.Ping{ID: id, EntryID: entryID, TargetID: targetID, IsGroup: isGroup}, true, nil
}

// DeletePing removes a ping if present and reports whether a row was deleted.
func (s *SQLite) DeletePing(ctx context.Context, entryID, targetID int64, isGroup bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pings WHERE entry_id = ? AND target_id = ? AND is_group = ?`,
		entryID, targetID, boolToInt(isGroup),
	)
	if err != nil {
		return false, fmt.Errorf("delete ping: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ListPings returns all pings for the given entry.
func (s *SQLite) ListPings(ctx context.Context, entryID int64) ([]model.Ping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entry_id, target_id, is_group FROM pings WHERE entry_id = ? ORDER BY id`, entryID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var pings []model.Ping
	for rows.Next() {
		var p model.Ping
		var ig int
		if err := rows.Scan(&p.ID, &p.EntryID, &p.TargetID, &ig); err != nil {
			return nil, fmt.Errorf("scan ping: %w", err)
		}
		p.IsGroup = ig == 1
		pings = append(pings, p)
	}
	return pings, rows.Err()
}

// CountPings returns the number of pings for the given entry.
func (s *SQLite) CountPings(ctx context.Context, entryID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pings WHERE entry_id = ?`, entryID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pings: %w", err)
	}
	return count, nil
}

// CreateThread records a newly opened notification thread.
func (s *SQLite) CreateThread(ctx context.Context, t *model.ThreadRecord) error {
	created := t.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO threads (thread_id, entry_id, created_at) VALUES (?, ?, ?)`,
		t.ThreadID, t.EntryID, created.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert thread: %w", err)
	}
	t.CreatedAt = created
	return nil
}

// ListThreadsByGroup returns all recorded threads for entries of a group.
func (s *SQLite) ListThreadsByGroup(ctx context.Context, groupID int64) ([]model.ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.thread_id, t.entry_id, t.created_at
		 FROM threads t JOIN entries e ON e.id = t.entry_id
		 WHERE e.group_id = ? ORDER BY t.thread_id`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var threads []model.ThreadRecord
	for rows.Next() {
		var t model.ThreadRecord
		var created string
		if err := rows.Scan(&t.ThreadID, &t.EntryID, &created); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		t.CreatedAt, _ = time.Parse(timeLayout, created)
		threads = append(threads, t)
	}
	return threads, rows.Err()
}

// GetMeta returns the raw JSON value stored under key.
func (s *SQLite) GetMeta(ctx context.Context, key string) (json.RawMessage, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM metadata WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get meta: %w", err)
	}
	return json.RawMessage(value), true, nil
}

// SetMeta stores a raw JSON value under key, replacing any existing value.
func (s *SQLite) SetMeta(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metadata (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`,
		key, string(value),
	)
	if err != nil {
		return fmt.Errorf("set meta: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func rawToNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timeToNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(row scannable) (*model.TrackedEntry, error) {
	var e model.TrackedEntry
	var config sql.NullString
	var msgFirst, private int
	var deleted, paused, created sql.NullString
	err := row.Scan(&e.ID, &e.GroupID, &e.ChannelID, &e.CreatorID, &e.ItemID, &e.SourceID,
		&config, &msgFirst, &private, &deleted, &paused, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	if config.Valid {
		e.ExtraConfig = json.RawMessage(config.String)
	}
	e.MessageFirst = msgFirst == 1
	e.PrivateThread = private == 1
	if deleted.Valid {
		t, _ := time.Parse(timeLayout, deleted.String)
		e.Deleted = &t
	}
	if paused.Valid {
		t, _ := time.Parse(timeLayout, paused.String)
		e.Paused = &t
	}
	if created.Valid {
		e.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]model.TrackedEntry, error) {
	var entries []model.TrackedEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
