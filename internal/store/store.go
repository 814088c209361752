// Package store persists rooms, participants, recordings and call logs in a
// SQLite database.
//
// All timestamps are stored as Unix nanoseconds. A zero time.Time is stored
// as NULL and read back as the zero value.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("store: not found")

// Config holds the parameters for opening a Store. Path is required.
type Config struct {
	// Path is the database file. ":memory:" is accepted but only with a
	// pool size of 1, since every in-memory connection is a separate
	// database.
	Path string

	// PoolSize defaults to max(runtime.NumCPU(), 4).
	PoolSize int

	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	now    func() time.Time
	path   string
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	invite_code TEXT NOT NULL DEFAULT '',
	owner_id    TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	room_id        TEXT NOT NULL,
	user_id        TEXT NOT NULL,
	role           TEXT NOT NULL DEFAULT 'guest',
	connected      INTEGER NOT NULL DEFAULT 0,
	mic_on         INTEGER NOT NULL DEFAULT 1,
	cam_on         INTEGER NOT NULL DEFAULT 1,
	screen_sharing INTEGER NOT NULL DEFAULT 0,
	is_speaking    INTEGER NOT NULL DEFAULT 0,
	raised_hand    INTEGER NOT NULL DEFAULT 0,
	joined_at      INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS recordings (
	id               TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	created_by       TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	output_path      TEXT NOT NULL DEFAULT '',
	storage_key      TEXT NOT NULL DEFAULT '',
	public_url       TEXT NOT NULL DEFAULT '',
	checksum         TEXT NOT NULL DEFAULT '',
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	started_at       INTEGER,
	stopped_at       INTEGER,
	duration_seconds INTEGER,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS recordings_room ON recordings (room_id, started_at DESC, created_at DESC);

CREATE TABLE IF NOT EXISTS call_logs (
	id               TEXT PRIMARY KEY,
	room_id          TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	joined_at        INTEGER NOT NULL,
	left_at          INTEGER,
	duration_seconds INTEGER
);
CREATE INDEX IF NOT EXISTS call_logs_open ON call_logs (room_id, user_id) WHERE left_at IS NULL;
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

// Open creates the pool and applies the schema on every new connection.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = runtime.NumCPU()
		if poolSize < 4 {
			poolSize = 4
		}
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}

	s := &Store{pool: pool, logger: logger, now: now, path: cfg.Path}

	// Take one connection up front so a broken schema fails Open rather
	// than the first request.
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("store: opening %s: %w", cfg.Path, err)
	}
	pool.Put(conn)

	logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", poolSize)
	return s, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// Close blocks until every borrowed connection has been returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		s.logger.Error("sqlite store close error", "path", s.path, "err", err)
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("sqlite store closed", "path", s.path)
	return nil
}

// Ping checks that a connection can be borrowed and queried.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take: %w", err)
	}
	return conn, nil
}

func nanos(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func columnTime(stmt *sqlite.Stmt, col int) time.Time {
	if stmt.ColumnIsNull(col) {
		return time.Time{}
	}
	return time.Unix(0, stmt.ColumnInt64(col)).UTC()
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
