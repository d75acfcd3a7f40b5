// Package store persists bonded devices and filtered apps in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/user/notisync/logger"
)

var (
	// ErrPersistence wraps every database failure.
	ErrPersistence = errors.New("store: persistence error")
	ErrNotFound    = errors.New("store: not found")
	ErrDuplicate   = errors.New("store: duplicate")
)

// Store is a SQLite-backed table store. Safe for concurrent use.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	subMu   sync.Mutex
	subs    map[int]chan []FilteredApp
	nextSub int
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping sqlite: %v", ErrPersistence, err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return &Store{
		db:   db,
		log:  logger.New("store"),
		subs: make(map[int]chan []FilteredApp),
	}, nil
}

// Close closes the database and every filtered-app subscription.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	return s.db.Close()
}

var (
	sharedMu    sync.Mutex
	shared      *Store
	sharedPath  string
	sharedCount int
)

// OpenShared returns the process-wide store, opening it on first use. Every
// call must be paired with CloseShared. Asking for a different path while the
// store is open is an error.
func OpenShared(ctx context.Context, path string) (*Store, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared != nil {
		if path != sharedPath {
			return nil, fmt.Errorf("store: shared store already open at %s", sharedPath)
		}
		sharedCount++
		return shared, nil
	}

	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	shared, sharedPath, sharedCount = s, path, 1
	return s, nil
}

// CloseShared releases one reference to the process-wide store and closes it
// when the last reference is gone.
func CloseShared() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if shared == nil {
		return nil
	}
	sharedCount--
	if sharedCount > 0 {
		return nil
	}
	err := shared.Close()
	shared, sharedPath = nil, ""
	return err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

