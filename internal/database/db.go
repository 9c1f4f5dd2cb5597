package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the schema version this build reads and writes. A
// database stamped with any other version is refused.
const SchemaVersion = 1

// ErrSchemaMismatch is returned by Open when the database was created by an
// incompatible build or is missing required tables.
var ErrSchemaMismatch = errors.New("incompatible database schema")

// requiredTables lists every table the store needs. Open fails if a stamped
// database lacks any of them.
var requiredTables = []string{
	"schema_meta",
	"sessions",
	"machines",
	"messages",
	"users",
	"push_subscriptions",
}

const schemaSQL = `
CREATE TABLE schema_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	tag TEXT,
	seq INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	metadata TEXT NOT NULL DEFAULT 'null',
	metadata_version INTEGER NOT NULL DEFAULT 0,
	agent_state TEXT,
	agent_state_version INTEGER NOT NULL DEFAULT 0,
	thinking INTEGER NOT NULL DEFAULT 0,
	thinking_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX idx_sessions_namespace_tag ON sessions(namespace, tag) WHERE tag IS NOT NULL;
CREATE INDEX idx_sessions_namespace_updated ON sessions(namespace, updated_at);

CREATE TABLE machines (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT 'null',
	metadata_version INTEGER NOT NULL DEFAULT 0,
	daemon_state TEXT,
	daemon_state_version INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	active_at INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX idx_machines_namespace ON machines(namespace);

CREATE TABLE messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	local_id TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE UNIQUE INDEX idx_messages_session_local_id ON messages(session_id, local_id) WHERE local_id IS NOT NULL;

CREATE TABLE users (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX idx_users_namespace ON users(namespace);

CREATE TABLE push_subscriptions (
	id TEXT PRIMARY KEY,
	namespace TEXT NOT NULL,
	endpoint TEXT NOT NULL,
	p256dh TEXT NOT NULL DEFAULT '',
	auth TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE(namespace, endpoint)
);
`

type DB struct {
	*sql.DB
	path string
}

// Open opens a connection to the SQLite database, creating and stamping the
// schema on a fresh file and validating it on an existing one.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers anyway; a single connection keeps
	// transactions and :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := ensureSchema(context.Background(), db, dbPath); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{DB: db, path: dbPath}, nil
}

// Path returns the path the database was opened with.
func (db *DB) Path() string { return db.path }

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}

func dsn(dbPath string) string {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if dbPath == ":memory:" || strings.HasPrefix(dbPath, "file::memory:") {
		if strings.Contains(dbPath, "?") {
			return dbPath + "&" + params
		}
		return dbPath + "?" + params
	}
	return "file:" + dbPath + "?" + params + "&_journal_mode=WAL"
}

// ensureSchema creates the schema on an empty database or checks that an
// existing one carries the expected version stamp and every required table.
func ensureSchema(ctx context.Context, db *sql.DB, dbPath string) error {
	existing, err := listTables(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}

	if len(existing) == 0 {
		return createSchema(ctx, db)
	}

	if !existing["schema_meta"] {
		return fmt.Errorf("%w: database %s has tables but no schema version stamp; "+
			"rebuild the database or run an offline migration", ErrSchemaMismatch, dbPath)
	}

	var raw string
	err = db.QueryRowContext(ctx, `SELECT value FROM schema_meta WHERE key = 'schema_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: database %s has no schema version stamp; "+
			"rebuild the database or run an offline migration", ErrSchemaMismatch, dbPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	version, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: database %s has unreadable schema version %q; "+
			"rebuild the database or run an offline migration", ErrSchemaMismatch, dbPath, raw)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: database %s was created with schema version %d but this build requires %d; "+
			"rebuild the database or run an offline migration", ErrSchemaMismatch, dbPath, version, SchemaVersion)
	}

	var missing []string
	for _, name := range requiredTables {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: database %s is missing tables %s; "+
			"rebuild the database or run an offline migration", ErrSchemaMismatch, dbPath, strings.Join(missing, ", "))
	}
	return nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_meta (key, value) VALUES ('schema_version', ?)`,
		strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("failed to stamp schema version: %w", err)
	}
	return tx.Commit()
}

func listTables(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
