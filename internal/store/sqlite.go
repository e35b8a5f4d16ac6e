package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/codemem/internal/logging"
	"github.com/roelfdiedericks/codemem/internal/paths"
)

// Store is the single embedded SQLite connection shared by every codemem
// subsystem (memory writes, raw-event queue, replication log, sync).
// A single *sql.DB is kept intentionally, mirroring the teacher's memory
// manager: SQLite's own locking plus WAL mode handles the concurrency,
// so no connection pool tuning is required.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the codemem database at the default
// path resolved by internal/paths, running schema migrations in place.
func Open() (*Store, error) {
	dbPath, err := paths.DBPath()
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := paths.EnsureParentDir(dbPath); err != nil {
		return nil, fmt.Errorf("ensure db dir: %w", err)
	}
	return OpenAt(dbPath)
}

// OpenAt opens the database at an explicit path, used by tests and by
// CODEMEM_DB_PATH overrides.
func OpenAt(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	L_debug("store: opened", "path", dbPath)
	return &Store{db: db}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for packages (queue, sync, observer)
// that need direct transaction control beyond the Store's own methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic.
func (s *Store) withTx(fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
