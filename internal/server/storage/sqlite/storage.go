package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// readPoolSize bounds concurrent range scans. Every connection doing a
// slow-path push holds a reader for each page it fetches, so the pool is sized for
// several simultaneous catch-up scans rather than one per socket.
const readPoolSize = 8

// Storage is the SQLite implementation of the transaction log and the seed
// exchange table.
//
// SQLite accepts one writer at a time, but in WAL mode readers run
// concurrently with it. Commits, rollback sentinels and seed-exchange
// mutations are funneled through a single writer connection so they queue
// instead of colliding on SQLITE_BUSY, while range scans from many push
// pipelines share a separate read pool.
type Storage struct {
	writer *sql.DB
	reader *sql.DB
}

// New creates a new SQLite storage instance
// dbPath is the path to the SQLite database file
// Use ":memory:" for in-memory database (useful for testing)
func New(ctx context.Context, dbPath string) (*Storage, error) {
	writer, err := open(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)

	// An in-memory database is private to its connection, so a second handle
	// would see a different (empty) database. Reads share the writer there.
	reader := writer
	if dbPath != ":memory:" {
		reader, err = open(ctx, dbPath)
		if err != nil {
			writer.Close()
			return nil, fmt.Errorf("failed to open reader: %w", err)
		}
		reader.SetMaxOpenConns(readPoolSize)
		reader.SetMaxIdleConns(readPoolSize)
	}

	storage := &Storage{writer: writer, reader: reader}

	if err := storage.runMigrations(); err != nil {
		storage.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

// open dials dbPath and applies the session pragmas every connection needs.
func open(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return db, nil
}

// Close closes both connection pools
func (s *Storage) Close() error {
	var readerErr error
	if s.reader != s.writer {
		readerErr = s.reader.Close()
	}
	if err := s.writer.Close(); err != nil {
		return err
	}
	return readerErr
}

func (s *Storage) runMigrations() error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	goose.SetBaseFS(embedMigrations)

	if err := goose.Up(s.writer, "migrations"); err != nil {
		return fmt.Errorf("goose up failed: %w", err)
	}

	return nil
}
