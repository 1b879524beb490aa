package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrAlreadyAnnounced reports a pledge that already has an announcement row.
var ErrAlreadyAnnounced = errors.New("pledge already announced")

// Store is the sqlite ledger behind the announcer and the scan cursor. Feed
// contents are never stored here.
type Store struct {
	db *sql.DB
}

// Open initializes a SQLite database and runs minimal schema setup.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := configure(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return s.db.PingContext(ctx)
}

func configure(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("set pragma %q: %w", p, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	schema := `
CREATE TABLE IF NOT EXISTS cursors (
  source_id   TEXT PRIMARY KEY,
  height      INTEGER NOT NULL,
  hash        TEXT NOT NULL,
  updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS announcements (
  id            TEXT PRIMARY KEY,
  event_key     TEXT NOT NULL,
  signer        TEXT NOT NULL,
  pledged_at    INTEGER NOT NULL,
  txhash        TEXT,
  payload_json  TEXT,
  created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS announcements_event_key ON announcements(event_key);
CREATE INDEX IF NOT EXISTS announcements_pledged_at ON announcements(pledged_at DESC);

CREATE TABLE IF NOT EXISTS sends (
  announcement_id TEXT NOT NULL,
  sink_id         TEXT NOT NULL,
  status          TEXT NOT NULL,
  response_code   INTEGER,
  created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY(announcement_id, sink_id)
);

CREATE TABLE IF NOT EXISTS dedupe (
  key         TEXT PRIMARY KEY,
  expires_at  TIMESTAMP NOT NULL
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// UpsertCursor records the latest scanned height/hash for a source.
func (s *Store) UpsertCursor(ctx context.Context, sourceID string, height uint64, hash string) error {
	if sourceID == "" {
		return errors.New("sourceID required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO cursors (source_id, height, hash, updated_at)
VALUES (?, ?, ?, CURRENT_TIMESTAMP)
ON CONFLICT(source_id) DO UPDATE SET
  height=excluded.height,
  hash=excluded.hash,
  updated_at=CURRENT_TIMESTAMP;
`, sourceID, height, hash)
	if err != nil {
		return fmt.Errorf("upsert cursor: %w", err)
	}
	return nil
}

// GetCursor retrieves the cursor for a source.
func (s *Store) GetCursor(ctx context.Context, sourceID string) (height uint64, hash string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
SELECT height, hash FROM cursors WHERE source_id = ?;
`, sourceID)
	switch err = row.Scan(&height, &hash); err {
	case nil:
		return height, hash, true, nil
	case sql.ErrNoRows:
		return 0, "", false, nil
	default:
		return 0, "", false, fmt.Errorf("get cursor: %w", err)
	}
}

// Cursor is a stored scan position.
type Cursor struct {
	SourceID  string
	Height    uint64
	Hash      string
	UpdatedAt time.Time
}

// ListCursors returns every cursor ordered by source id.
func (s *Store) ListCursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT source_id, height, hash, updated_at FROM cursors ORDER BY source_id;
`)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.SourceID, &c.Height, &c.Hash, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkDedupe sets or refreshes a dedupe key until expiresAt.
func (s *Store) MarkDedupe(ctx context.Context, key string, expiresAt time.Time) error {
	if key == "" {
		return errors.New("key required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO dedupe (key, expires_at)
VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET expires_at=excluded.expires_at;
`, key, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("mark dedupe: %w", err)
	}
	return nil
}

// PruneDedupe deletes every dedupe key expired at now.
func (s *Store) PruneDedupe(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE expires_at <= ?;`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune dedupe: %w", err)
	}
	return res.RowsAffected()
}

// IsDuplicate returns true if the key exists and is not expired; expired entries are pruned.
func (s *Store) IsDuplicate(ctx context.Context, key string, now time.Time) (bool, error) {
	if key == "" {
		return false, errors.New("key required")
	}

	var expires time.Time
	err := s.db.QueryRowContext(ctx, `
SELECT expires_at FROM dedupe WHERE key = ?;
`, key).Scan(&expires)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check dedupe: %w", err)
	}

	if expires.After(now.UTC()) {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedupe WHERE key = ?;`, key); err != nil {
		return false, fmt.Errorf("prune dedupe: %w", err)
	}
	return false, nil
}

// Announcement records a pledge that was forwarded to sinks.
type Announcement struct {
	ID          string
	EventKey    string
	Signer      string
	PledgedAt   int64
	TxHash      string
	PayloadJSON string
	CreatedAt   time.Time
}

// InsertAnnouncement stores an announcement. A pledge is announced at most
// once: a second row for the same event key returns ErrAlreadyAnnounced even
// after its dedupe entry has expired.
func (s *Store) InsertAnnouncement(ctx context.Context, a Announcement) error {
	if a.ID == "" || a.EventKey == "" || a.Signer == "" {
		return errors.New("announcement id, event_key and signer required")
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO announcements (id, event_key, signer, pledged_at, txhash, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
ON CONFLICT(event_key) DO NOTHING;
`, a.ID, a.EventKey, a.Signer, a.PledgedAt, a.TxHash, a.PayloadJSON, nullTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert announcement: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", a.EventKey, ErrAlreadyAnnounced)
	}
	return nil
}

// ListAnnouncements returns announcements newest first, up to limit (0 means all).
func (s *Store) ListAnnouncements(ctx context.Context, limit int) ([]Announcement, error) {
	query := `
SELECT id, event_key, signer, pledged_at, COALESCE(txhash, ''), COALESCE(payload_json, ''), created_at
FROM announcements ORDER BY pledged_at DESC, created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list announcements: %w", err)
	}
	defer rows.Close()

	var out []Announcement
	for rows.Next() {
		var a Announcement
		if err := rows.Scan(&a.ID, &a.EventKey, &a.Signer, &a.PledgedAt, &a.TxHash, &a.PayloadJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Send represents a sink delivery record.
type Send struct {
	AnnouncementID string
	SinkID         string
	Status         string
	ResponseCode   int
	CreatedAt      time.Time
}

// InsertSend records a sink delivery attempt; primary key enforces exactly-once per announcement/sink.
func (s *Store) InsertSend(ctx context.Context, srec Send) error {
	if srec.AnnouncementID == "" || srec.SinkID == "" || srec.Status == "" {
		return errors.New("announcement_id, sink_id, and status are required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sends (announcement_id, sink_id, status, response_code, created_at)
VALUES (?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP));
`, srec.AnnouncementID, srec.SinkID, srec.Status, srec.ResponseCode, nullTime(srec.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert send: %w", err)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// SinkStats counts delivery attempts for one sink.
type SinkStats struct {
	SinkID   string
	Sent     int
	Failed   int
	LastSend time.Time
}

// ListSinkStats aggregates the send ledger per sink, ordered by sink id.
func (s *Store) ListSinkStats(ctx context.Context) ([]SinkStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT sink_id,
       SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END),
       SUM(CASE WHEN status = 'sent' THEN 0 ELSE 1 END),
       MAX(created_at)
FROM sends GROUP BY sink_id ORDER BY sink_id;
`)
	if err != nil {
		return nil, fmt.Errorf("sink stats: %w", err)
	}
	defer rows.Close()

	var out []SinkStats
	for rows.Next() {
		var st SinkStats
		var last string
		if err := rows.Scan(&st.SinkID, &st.Sent, &st.Failed, &last); err != nil {
			return nil, fmt.Errorf("scan sink stats: %w", err)
		}
		st.LastSend = parseSQLiteTime(last)
		out = append(out, st)
	}
	return out, rows.Err()
}

// parseSQLiteTime reads MAX(created_at), which sqlite returns as text
// rather than as the column's declared type. The driver writes time.Time
// values in time.Time.String form; CURRENT_TIMESTAMP defaults are plain.
func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{
		"2006-01-02 15:04:05.999999999 -0700 MST",
		"2006-01-02 15:04:05.999999999-07:00",
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
