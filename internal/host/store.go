package host

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	// SQLite driver, imported for its side effect of registering itself
	// with database/sql. modernc.org/sqlite is pure Go, no CGO needed.
	_ "modernc.org/sqlite"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 1

// Store persists config entries in SQLite.
type Store struct {
	db *sql.DB      // Database connection handle.
	mu sync.RWMutex // Guards all database operations for thread safety.
}

// OpenStore opens or creates a SQLite database at the given path.
// It initializes the schema if the tables don't exist.
// Use ":memory:" for an in-memory database (useful for testing).
func OpenStore(path string) (*Store, error) {
	log.Printf("store: opening database at %s", path)

	// busy_timeout handles concurrent access from the CLI and a running
	// host instance.
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("store: database ready (schema version %d)", currentSchemaVersion)
	return store, nil
}

// initSchema creates the required tables if they don't exist.
// Uses IF NOT EXISTS to make the operation idempotent.
func (s *Store) initSchema() error {
	// Schema version table tracks database migrations, allowing future
	// schema changes to be applied incrementally.
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the initial entries table.
func (s *Store) migrateToV1() error {
	const entriesTable = `
		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			url TEXT NOT NULL,
			use_addon INTEGER NOT NULL DEFAULT 0,
			integration_created_addon INTEGER NOT NULL DEFAULT 0,
			disabled_by TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(entriesTable); err != nil {
		return fmt.Errorf("create entries table: %w", err)
	}

	if _, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		1, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// SaveEntry inserts or updates an entry.
func (s *Store) SaveEntry(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO entries (id, title, url, use_addon, integration_created_addon, disabled_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			use_addon = excluded.use_addon,
			integration_created_addon = excluded.integration_created_addon,
			disabled_by = excluded.disabled_by
	`,
		entry.ID,
		entry.Title,
		entry.Data.URL,
		boolToInt(entry.Data.UseAddon),
		boolToInt(entry.Data.IntegrationCreatedAddon),
		entry.DisabledBy,
		entry.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save entry %s: %w", entry.ID, err)
	}
	return nil
}

// DeleteEntry removes an entry. Deleting a non-existent entry is a no-op.
func (s *Store) DeleteEntry(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM entries WHERE id = ?", entryID); err != nil {
		return fmt.Errorf("delete entry %s: %w", entryID, err)
	}
	return nil
}

// LoadEntries returns all persisted entries.
func (s *Store) LoadEntries() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, title, url, use_addon, integration_created_addon, disabled_by, created_at
		FROM entries ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			entry     Entry
			useAddon  int
			created   int
			createdAt string
		)
		if err := rows.Scan(
			&entry.ID, &entry.Title, &entry.Data.URL,
			&useAddon, &created, &entry.DisabledBy, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entry.Data.UseAddon = useAddon != 0
		entry.Data.IntegrationCreatedAddon = created != 0
		if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
			entry.CreatedAt = ts
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (s *Store) Close() error {
	log.Printf("store: closing database")
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
