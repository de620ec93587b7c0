// Package buffer implements the durable local FIFO queue (component C):
// an embedded SQLite store that survives crashes and reboots, draining to
// the database writer once connectivity returns.
package buffer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	// Pure Go SQLite driver (no CGO), chosen for the same cross-compile
	// reasons sqlite_storage.go gives: a bridge that targets a small
	// industrial PC should not need a C toolchain.
	_ "modernc.org/sqlite"

	"github.com/plantfloor/batchbridge/internal/mapping"
	"github.com/plantfloor/batchbridge/internal/recipe"
)

const mappingsKey = "mappings"

// Entry is one row of the pending table, spec §3's pending entry tuple.
type Entry struct {
	ID        int64
	Record    recipe.Record
	CreatedAt time.Time
	Attempts  int
}

// Buffer is the contract component D and the drain loop depend on.
type Buffer interface {
	Enqueue(ctx context.Context, record recipe.Record, m mapping.Mapping) error
	PendingCount(ctx context.Context) (int, error)
	PeekOldest(ctx context.Context) (Entry, bool, error)
	Remove(ctx context.Context, id int64) error
	IncrementAttempts(ctx context.Context, id int64) error
	SnapshotMapping(ctx context.Context) (mapping.Mapping, bool, error)
	Close() error
}

// SQLiteBuffer implements Buffer over a single modernc.org/sqlite file,
// adapted from sqlite_storage.go's WAL-mode, mutex-guarded, 0600-permission
// shape, with the alerts table replaced by spec §4.3's pending/config
// tables.
type SQLiteBuffer struct {
	db     *sql.DB
	logger *slog.Logger
	path   string
	mu     sync.Mutex
}

// Open creates or opens the buffer's backing SQLite file at path, creating
// parent directories as needed, and initialises the pending/config schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*SQLiteBuffer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, fmt.Errorf("buffer: path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("buffer: invalid path contains '..': %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("buffer: create directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("buffer: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1) // C's contract requires one shared-connection handle, serialised by mu.

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("buffer: enable foreign keys: %w", err)
	}

	b := &SQLiteBuffer{db: db, logger: logger, path: path}
	if err := b.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		logger.Warn("buffer: failed to set file permissions to 0600", "path", path, "error", err)
	}

	logger.Info("durable buffer opened", "path", path)
	return b, nil
}

func (b *SQLiteBuffer) initSchema(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("buffer: init schema: %w", err)
	}
	return nil
}

// Close closes the backing database handle. Idempotent.
func (b *SQLiteBuffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// Enqueue inserts a pending row and upserts the mapping snapshot in one
// transaction, per spec §4.3: either both changes commit or neither does.
func (b *SQLiteBuffer) Enqueue(ctx context.Context, record recipe.Record, m mapping.Mapping) error {
	body, err := recipe.Marshal(record)
	if err != nil {
		return fmt.Errorf("buffer: marshal record: %w", err)
	}
	mappingJSON, err := marshalMapping(m)
	if err != nil {
		return fmt.Errorf("buffer: marshal mapping: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("buffer: closed")
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("buffer: begin: %w", err)
	}
	defer tx.Rollback()

	createdAt := time.Now().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, insertPendingSQL, string(body), createdAt); err != nil {
		return fmt.Errorf("buffer: insert pending: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertConfigSQL, mappingsKey, string(mappingJSON)); err != nil {
		return fmt.Errorf("buffer: upsert mapping snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("buffer: commit: %w", err)
	}
	return nil
}

// PendingCount returns the number of pending rows.
func (b *SQLiteBuffer) PendingCount(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return 0, fmt.Errorf("buffer: closed")
	}

	var n int
	if err := b.db.QueryRowContext(ctx, countPendingSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("buffer: count pending: %w", err)
	}
	return n, nil
}

// PeekOldest returns the pending entry with the smallest entry_id.
func (b *SQLiteBuffer) PeekOldest(ctx context.Context) (Entry, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return Entry{}, false, fmt.Errorf("buffer: closed")
	}

	var (
		id        int64
		body      string
		createdAt string
		attempts  int
	)
	err := b.db.QueryRowContext(ctx, peekOldestSQL).Scan(&id, &body, &createdAt, &attempts)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("buffer: peek oldest: %w", err)
	}

	record, err := recipe.Unmarshal([]byte(body))
	if err != nil {
		return Entry{}, false, fmt.Errorf("buffer: unmarshal entry %d body: %w", id, err)
	}

	ts, _ := time.Parse(time.RFC3339, createdAt)
	return Entry{ID: id, Record: record, CreatedAt: ts, Attempts: attempts}, true, nil
}

// Remove deletes the pending row with the given id.
func (b *SQLiteBuffer) Remove(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("buffer: closed")
	}
	if _, err := b.db.ExecContext(ctx, removePendingSQL, id); err != nil {
		return fmt.Errorf("buffer: remove entry %d: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps the attempts counter on a pending row.
func (b *SQLiteBuffer) IncrementAttempts(ctx context.Context, id int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return fmt.Errorf("buffer: closed")
	}
	if _, err := b.db.ExecContext(ctx, incrementAttemptsSQL, id); err != nil {
		return fmt.Errorf("buffer: increment attempts for entry %d: %w", id, err)
	}
	return nil
}

// SnapshotMapping returns the currently active column mapping, if any.
func (b *SQLiteBuffer) SnapshotMapping(ctx context.Context) (mapping.Mapping, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil, false, fmt.Errorf("buffer: closed")
	}

	var value string
	err := b.db.QueryRowContext(ctx, selectConfigSQL, mappingsKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("buffer: snapshot mapping: %w", err)
	}

	m, err := unmarshalMapping([]byte(value))
	if err != nil {
		return nil, false, fmt.Errorf("buffer: unmarshal mapping snapshot: %w", err)
	}
	return m, true, nil
}

// GetFileSize returns the current backing file size in bytes, 0 if it
// cannot be statted.
func (b *SQLiteBuffer) GetFileSize() int64 {
	info, err := os.Stat(b.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
