package outbox

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at DATETIME NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	published_id TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox(created_at);

CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// defaultCap bounds how many items the outbox retains. Published and failed
// items beyond the cap are pruned oldest-first; queued items are never
// pruned ahead of terminal ones.
const defaultCap = 500

// Store persists outbox items and identity settings in SQLite.
type Store struct {
	db  *sql.DB
	cap int
}

// OpenStore opens (or creates) the outbox database. A corrupt database is
// moved aside and recreated so startup yields an empty queue instead of
// failing.
func OpenStore(dbPath string) (*Store, error) {
	db, err := open(dbPath)
	if err != nil {
		slog.Warn("outbox db unusable, starting with an empty queue", "path", dbPath, "error", err)
		_ = os.Rename(dbPath, dbPath+".corrupt")
		db, err = open(dbPath)
		if err != nil {
			return nil, fmt.Errorf("reopen outbox db: %w", err)
		}
	}
	return &Store{db: db, cap: defaultCap}, nil
}

func open(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply outbox schema: %w", err)
	}
	// Publishing is only legitimate while a pass is in flight in this
	// process; rows left behind by a crash go back to queued.
	if _, err := db.Exec(`UPDATE outbox SET status = ? WHERE status = ?`, StatusQueued, StatusPublishing); err != nil {
		db.Close()
		return nil, fmt.Errorf("requeue in-flight outbox items: %w", err)
	}
	return db, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for status reporting.
func (s *Store) DB() *sql.DB { return s.db }

// Insert persists a new item and prunes terminal items beyond the cap.
func (s *Store) Insert(item *Item) error {
	_, err := s.db.Exec(`INSERT INTO outbox
		(id, kind, payload, status, attempts, next_attempt_at, last_error, published_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Kind, item.Payload, item.Status, item.Attempts,
		item.NextAttemptAt.UTC(), item.LastError, item.PublishedID,
		item.CreatedAt.UTC(), item.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert outbox item: %w", err)
	}
	s.pruneOverCap()
	return nil
}

// Update writes back every mutable field of the item.
func (s *Store) Update(item *Item) error {
	item.UpdatedAt = time.Now()
	_, err := s.db.Exec(`UPDATE outbox SET
		status = ?, attempts = ?, next_attempt_at = ?, last_error = ?, published_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		item.Status, item.Attempts, item.NextAttemptAt.UTC(), item.LastError,
		item.PublishedID, item.UpdatedAt.UTC(), item.CompletedAt, item.ID)
	if err != nil {
		return fmt.Errorf("update outbox item %s: %w", item.ID, err)
	}
	return nil
}

// Delete removes an item (after reconciliation confirms publication).
func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox item %s: %w", id, err)
	}
	return nil
}

// Get returns a single item or sql.ErrNoRows.
func (s *Store) Get(id string) (*Item, error) {
	row := s.db.QueryRow(selectCols+` WHERE id = ?`, id)
	return scanItem(row)
}

// List returns every retained item, oldest first.
func (s *Store) List() ([]Item, error) {
	return s.query(selectCols + ` ORDER BY created_at ASC`)
}

// Due returns queued items whose next attempt time has elapsed, oldest
// created first.
func (s *Store) Due(now time.Time, limit int) ([]Item, error) {
	return s.query(selectCols+` WHERE status = ? AND next_attempt_at <= ? ORDER BY created_at ASC LIMIT ?`,
		StatusQueued, now.UTC(), limit)
}

const selectCols = `SELECT id, kind, payload, status, attempts, next_attempt_at, last_error, published_id, created_at, updated_at, completed_at FROM outbox`

func (s *Store) query(q string, args ...any) ([]Item, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	err := row.Scan(&item.ID, &item.Kind, &item.Payload, &item.Status, &item.Attempts,
		&item.NextAttemptAt, &item.LastError, &item.PublishedID,
		&item.CreatedAt, &item.UpdatedAt, &item.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) pruneOverCap() {
	// Terminal items go first; queued work is preserved.
	_, _ = s.db.Exec(`DELETE FROM outbox WHERE id IN (
		SELECT id FROM outbox WHERE status IN (?, ?)
		ORDER BY created_at ASC
		LIMIT max((SELECT count(*) FROM outbox) - ?, 0))`,
		StatusPublished, StatusFailed, s.cap)
}

// GetSetting returns a value from the settings table ("" when absent).
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetSetting upserts a settings value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
