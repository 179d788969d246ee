// Package sqlite is the embedded event store used by single-node deployments and the CLI.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nicolasdb/time-tracker-webapp/internal/domain"
	"github.com/nicolasdb/time-tracker-webapp/internal/observability"
	"github.com/nicolasdb/time-tracker-webapp/internal/persistence"
)

// timeLayout is fixed width so that text comparison orders instants.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// errUnreadableTime marks a stored row whose timestamps cannot be parsed.
var errUnreadableTime = errors.New("unreadable stored time")

// Option configures optional behaviour for the Store.
type Option func(*Store)

// WithLogger overrides the logger used to report skipped rows.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	logger *slog.Logger
}

// Open initializes the database connection, creating directories as needed.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS presence_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			tag_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			event_type TEXT NOT NULL CHECK (event_type IN ('tag_insert', 'tag_removed')),
			occurred_at TEXT NOT NULL,
			tag_present INTEGER NOT NULL,
			tag_type TEXT,
			wifi_status TEXT,
			time_status TEXT,
			relaxed INTEGER NOT NULL DEFAULT 0,
			received_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_presence_events_tag_time ON presence_events(tag_id, occurred_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_presence_events_recent ON presence_events(occurred_at, seq);`,
		`CREATE TRIGGER IF NOT EXISTS presence_events_no_update BEFORE UPDATE ON presence_events
			BEGIN SELECT RAISE(ABORT, 'presence_events is append-only'); END;`,
		`CREATE TRIGGER IF NOT EXISTS presence_events_no_delete BEFORE DELETE ON presence_events
			BEGIN SELECT RAISE(ABORT, 'presence_events is append-only'); END;`,
		`CREATE TABLE IF NOT EXISTS device_keys (
			key_hash TEXT PRIMARY KEY,
			device_id TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			revoked_at TEXT,
			last_used_at TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS tag_assignments (
			tag_id TEXT PRIMARY KEY,
			category TEXT,
			name TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS time_block_snapshots (
			tag_id TEXT NOT NULL,
			device_id TEXT NOT NULL,
			start_event_id TEXT NOT NULL,
			end_event_id TEXT NOT NULL,
			start_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			duration_seconds REAL NOT NULL,
			activity_date TEXT NOT NULL,
			category TEXT,
			name TEXT,
			refreshed_at TEXT NOT NULL,
			PRIMARY KEY (tag_id, start_event_id)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying sql.DB for callers that need raw access.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Append implements domain.EventStore.
func (s *Store) Append(ctx context.Context, ev domain.PresenceEvent) (string, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO presence_events
		(event_id, tag_id, device_id, event_type, occurred_at, tag_present, tag_type, wifi_status, time_status, relaxed, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		ev.TagID,
		ev.DeviceID,
		string(ev.Type),
		formatTime(ev.OccurredAt),
		ev.TagPresent,
		nullIfEmpty(ev.TagType),
		nullIfEmpty(ev.WifiStatus),
		nullIfEmpty(ev.TimeStatus),
		ev.Relaxed,
		formatTime(ev.ReceivedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert presence event: %w", err)
	}
	observability.RecordEventPersisted(ev.ReceivedAt)
	return ev.ID, nil
}

const eventColumns = `e.event_id, e.seq, e.tag_id, e.device_id, e.event_type, e.occurred_at, e.tag_present,
	COALESCE(e.tag_type, ''), COALESCE(e.wifi_status, ''), COALESCE(e.time_status, ''), e.relaxed, e.received_at`

// ListEvents implements domain.EventStore.
func (s *Store) ListEvents(ctx context.Context, tagID string) ([]domain.PresenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+`
		FROM presence_events e WHERE e.tag_id = ?
		ORDER BY e.occurred_at, e.seq`, tagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PresenceEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if errors.Is(err, errUnreadableTime) {
			s.skipRow(ev, err)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// IssueKey registers key for deviceID. Only the hash is stored.
func (s *Store) IssueKey(ctx context.Context, key, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_keys (key_hash, device_id, is_active, created_at) VALUES (?, ?, 1, ?)`,
		persistence.HashKey(key), deviceID, formatTime(s.now()),
	)
	return err
}

// RevokeKey deactivates key. Revoked keys never authenticate again.
func (s *Store) RevokeKey(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_keys SET is_active = 0, revoked_at = COALESCE(revoked_at, ?) WHERE key_hash = ?`,
		formatTime(s.now()), persistence.HashKey(key),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCredentialNotFound
	}
	return nil
}

// Lookup implements domain.CredentialRegistry.
func (s *Store) Lookup(ctx context.Context, key string) (domain.DeviceCredential, error) {
	var (
		cred     domain.DeviceCredential
		active   bool
		revoked  sql.NullString
		lastUsed sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT device_id, is_active, revoked_at, last_used_at FROM device_keys WHERE key_hash = ?`,
		persistence.HashKey(key),
	).Scan(&cred.DeviceID, &active, &revoked, &lastUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeviceCredential{}, domain.ErrCredentialNotFound
	}
	if err != nil {
		return domain.DeviceCredential{}, err
	}
	cred.Active = active && !revoked.Valid
	if lastUsed.Valid {
		ts, err := parseTime(lastUsed.String)
		if err != nil {
			return domain.DeviceCredential{}, err
		}
		cred.LastUsedAt = &ts
	}
	return cred, nil
}

// TouchLastUsed implements domain.CredentialRegistry.
func (s *Store) TouchLastUsed(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE device_keys SET last_used_at = ? WHERE key_hash = ?`,
		formatTime(s.now()), persistence.HashKey(key))
	return err
}

// AssignTag upserts the naming of tagID.
func (s *Store) AssignTag(ctx context.Context, tagID string, meta domain.TagMetadata) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO tag_assignments (tag_id, category, name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(tag_id) DO UPDATE SET category = excluded.category, name = excluded.name, updated_at = excluded.updated_at`,
		tagID, derefOrNil(meta.Category), derefOrNil(meta.Name), formatTime(s.now()))
	return err
}

// Resolve implements domain.TagMetadataResolver.
func (s *Store) Resolve(ctx context.Context, tagID string) (domain.TagMetadata, error) {
	var category, name sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT category, name FROM tag_assignments WHERE tag_id = ?`, tagID).
		Scan(&category, &name)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.TagMetadata{}, nil
	}
	if err != nil {
		return domain.TagMetadata{}, err
	}
	return domain.TagMetadata{Category: nullableString(category), Name: nullableString(name)}, nil
}

// TagIDs implements domain.EventBrowser.
func (s *Store) TagIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT tag_id FROM presence_events ORDER BY tag_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecentEvents implements domain.EventBrowser, newest first.
func (s *Store) RecentEvents(ctx context.Context, cursor *domain.Cursor, limit int) ([]domain.BoardEntry, *domain.Cursor, error) {
	query := `SELECT ` + eventColumns + `, t.name
		FROM presence_events e LEFT JOIN tag_assignments t ON t.tag_id = e.tag_id`
	args := make([]any, 0, 4)
	if cursor != nil {
		ts := formatTime(cursor.OccurredAt)
		query += ` WHERE e.occurred_at < ? OR (e.occurred_at = ? AND e.seq < ?)`
		args = append(args, ts, ts, cursor.Seq)
	}
	query += ` ORDER BY e.occurred_at DESC, e.seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	out := make([]domain.BoardEntry, 0, limit)
	for rows.Next() {
		var name sql.NullString
		ev, err := scanEvent(rows, &name)
		if errors.Is(err, errUnreadableTime) {
			s.skipRow(ev, err)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		out = append(out, domain.BoardEntry{Event: ev, TagName: nullableString(name)})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	var next *domain.Cursor
	if limit > 0 && len(out) == limit {
		last := out[len(out)-1].Event
		next = &domain.Cursor{OccurredAt: last.OccurredAt, Seq: last.Seq}
	}
	return out, next, nil
}

// Counts implements domain.EventBrowser.
func (s *Store) Counts(ctx context.Context) (domain.StoreCounts, error) {
	var c domain.StoreCounts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM presence_events),
		(SELECT COUNT(*) FROM device_keys),
		(SELECT COUNT(*) FROM tag_assignments),
		(SELECT COUNT(*) FROM time_block_snapshots)`).
		Scan(&c.Events, &c.Credentials, &c.Tags, &c.Snapshots)
	return c, err
}

// Ping implements domain.EventBrowser.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ReplaceSnapshots implements domain.SnapshotWriter.
func (s *Store) ReplaceSnapshots(ctx context.Context, tagID string, blocks []domain.TimeBlock) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM time_block_snapshots WHERE tag_id = ?`, tagID); err != nil {
		return err
	}

	refreshed := s.now()
	for _, b := range blocks {
		_, err := tx.ExecContext(ctx, `INSERT INTO time_block_snapshots
			(tag_id, device_id, start_event_id, end_event_id, start_at, end_at, duration_seconds, activity_date, category, name, refreshed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.TagID, b.DeviceID, b.StartEventID, b.EndEventID,
			formatTime(b.StartAt), formatTime(b.EndAt), b.Duration.Seconds(), b.ActivityDate,
			derefOrNil(b.Category), derefOrNil(b.Name), formatTime(refreshed))
		if err != nil {
			return fmt.Errorf("insert snapshot %s: %w", b.StartEventID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	observability.RecordSnapshotRefreshed(refreshed)
	return nil
}

func (s *Store) skipRow(ev domain.PresenceEvent, err error) {
	s.logger.Warn("skipping unreadable stored event",
		"event_id", ev.ID,
		"seq", ev.Seq,
		"tag_id", ev.TagID,
		"error", err,
	)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner, extra ...any) (domain.PresenceEvent, error) {
	var (
		ev                 domain.PresenceEvent
		eventType          string
		occurred, received string
	)
	dest := []any{&ev.ID, &ev.Seq, &ev.TagID, &ev.DeviceID, &eventType, &occurred, &ev.TagPresent,
		&ev.TagType, &ev.WifiStatus, &ev.TimeStatus, &ev.Relaxed, &received}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return domain.PresenceEvent{}, err
	}
	ev.Type = domain.EventType(eventType)

	var err error
	if ev.OccurredAt, err = parseTime(occurred); err != nil {
		return ev, err
	}
	if ev.ReceivedAt, err = parseTime(received); err != nil {
		return ev, err
	}
	return ev, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w %q: %v", errUnreadableTime, value, err)
	}
	return t, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func derefOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
