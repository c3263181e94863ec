package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// PersistentStore keeps the transfer history in a local SQLite database.
type PersistentStore struct {
	db      *sql.DB
	path    string
	version uint
}

// historyDSN enables WAL so `gopodq history` can read while `gopodq run` writes.
func historyDSN(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	return path + "?" + q.Encode()
}

// NewPersistentStore opens (creating if needed) the history database at dbPath
// and brings its schema up to date.
func NewPersistentStore(dbPath string) (*PersistentStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", historyDSN(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open history db %s: %w", dbPath, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history db %s is not usable: %w", dbPath, err)
	}

	version, err := migrateUp(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not migrate history db: %w", err)
	}

	return &PersistentStore{db: db, path: dbPath, version: version}, nil
}

// SchemaVersion is the migration version the database was left at.
func (s *PersistentStore) SchemaVersion() uint {
	return s.version
}

func (s *PersistentStore) Path() string {
	return s.path
}

func (s *PersistentStore) Close() error {
	return s.db.Close()
}
