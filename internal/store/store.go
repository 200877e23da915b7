// Package store provides the SQLite-backed persistence layer: the
// append-only blocks ledger, the username registry, and the face
// template rows. One Store handle is opened at process start and
// passed by reference into every component that needs it; nothing in
// the repository reaches for ambient global state.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schemaSQL is idempotent and applied to every connection on first use.
// Layout matches the original deployment's tables so existing database
// files keep working.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	blockId TEXT NOT NULL UNIQUE,
	timestamp INTEGER NOT NULL,
	namespace TEXT NOT NULL,
	identityHash TEXT NOT NULL,
	expression TEXT NOT NULL,
	json TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_identity ON blocks(identityHash);
CREATE INDEX IF NOT EXISTS idx_blocks_namespace ON blocks(namespace);
CREATE INDEX IF NOT EXISTS idx_blocks_ts ON blocks(timestamp);

CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	identityHash TEXT NOT NULL,
	publicKey TEXT NOT NULL,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_users_identity ON users(identityHash);

CREATE TABLE IF NOT EXISTS faces (
	faceId TEXT PRIMARY KEY,
	identityHash TEXT NOT NULL,
	templateHash TEXT NOT NULL,
	template TEXT NOT NULL,
	algo TEXT NOT NULL,
	dims INTEGER NOT NULL,
	createdAt INTEGER NOT NULL,
	updatedAt INTEGER NOT NULL,
	UNIQUE(templateHash)
);

CREATE INDEX IF NOT EXISTS idx_faces_identity ON faces(identityHash);
CREATE INDEX IF NOT EXISTS idx_faces_templateHash ON faces(templateHash);
`

// Config holds the parameters for opening a store.
type Config struct {
	// Path is the filesystem path to the SQLite database file. The
	// file is created if it does not exist. Use ":memory:" with
	// PoolSize 1 for tests.
	Path string

	// PoolSize is the number of connections in the pool. If zero or
	// negative, defaults to max(runtime.NumCPU(), 4). SQLite
	// serializes writes regardless of pool size; extra connections
	// serve concurrent reads.
	PoolSize int

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Store is a fixed-size pool of SQLite connections over one ledger
// database. Safe for concurrent use; individual connections are not,
// so each operation takes its own connection for its duration.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens the database, applies the standard pragmas to every
// connection, and creates the schema. The caller must Close the store
// on shutdown.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
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

	logger.Info("ledger database opened", "path", cfg.Path, "pool_size", poolSize)

	return &Store{pool: pool, logger: logger, path: cfg.Path}, nil
}

// Close closes all connections in the pool. Blocks until borrowed
// connections are returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: closing %s: %w", s.path, err)
	}
	s.logger.Info("ledger database closed", "path", s.path)
	return nil
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: take connection: %w", err)
	}
	return conn, nil
}

func (s *Store) put(conn *sqlite.Conn) {
	s.pool.Put(conn)
}

// prepareConnection runs once per pooled connection. WAL mode gives
// concurrent readers with a single serialized writer, which is the
// entirety of this system's concurrency model.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schemaSQL, nil); err != nil {
		return fmt.Errorf("store: creating schema: %w", err)
	}
	return nil
}

// isConstraintErr reports whether err is a SQLite uniqueness or
// primary key violation.
func isConstraintErr(err error) bool {
	switch sqlite.ErrCode(err) {
	case sqlite.ResultConstraintUnique, sqlite.ResultConstraintPrimaryKey:
		return true
	}
	return false
}
