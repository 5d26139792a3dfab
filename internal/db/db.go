package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database/sql driver names.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// DB wraps the run history connection.
type DB struct {
	conn   *sql.DB
	driver string
}

// DefaultDBPath returns ~/.healer/healer.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	dir := filepath.Join(home, ".healer")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "healer.db"), nil
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	return OpenDriver(DriverSQLite, path)
}

// OpenDriver opens a database with the named driver. sqlite3 takes a file
// path (or ":memory:"); pgx takes a postgres:// connection string.
func OpenDriver(driver, dsn string) (*DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("set journal mode: %w", err)
		}
		if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
			conn.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	return &DB{conn: conn, driver: driver}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for advanced queries.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Driver returns the database/sql driver name in use.
func (d *DB) Driver() string {
	return d.driver
}

// Rebind rewrites ? placeholders into the driver's native form.
// Queries must not contain literal question marks.
func (d *DB) Rebind(query string) string {
	if d.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const schemaVersionTable = `
CREATE TABLE IF NOT EXISTS schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);`

// Timestamps are RFC 3339 text in both dialects so ordering and parsing
// behave the same everywhere.
const runsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    repo          TEXT NOT NULL,
    branch        TEXT NOT NULL,
    status        TEXT NOT NULL CHECK(status IN ('RUNNING','PASSED','EXHAUSTED','FAILED')),
    ci_status     TEXT NOT NULL CHECK(ci_status IN ('PASSED','FAILED')),
    retry_limit   INTEGER NOT NULL,
    iterations    INTEGER NOT NULL,
    total_failures INTEGER NOT NULL DEFAULT 0,
    total_fixes   INTEGER NOT NULL DEFAULT 0,
    total_commits INTEGER NOT NULL DEFAULT 0,
    score         INTEGER NOT NULL DEFAULT 0,
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    error         TEXT,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC);`

const sqliteChildTables = `
CREATE TABLE IF NOT EXISTS iterations (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration  INTEGER NOT NULL,
    status     TEXT NOT NULL CHECK(status IN ('PASSED','FAILED')),
    timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, iteration);

CREATE TABLE IF NOT EXISTS fixes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    file        TEXT NOT NULL,
    line        INTEGER,
    bug_type    TEXT NOT NULL,
    description TEXT,
    commit_message TEXT,
    status      TEXT NOT NULL CHECK(status IN ('Fixed','Failed'))
);
CREATE INDEX IF NOT EXISTS idx_fixes_run ON fixes(run_id);
CREATE INDEX IF NOT EXISTS idx_fixes_bug ON fixes(bug_type);`

const postgresChildTables = `
CREATE TABLE IF NOT EXISTS iterations (
    id         BIGSERIAL PRIMARY KEY,
    run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    iteration  INTEGER NOT NULL,
    status     TEXT NOT NULL CHECK(status IN ('PASSED','FAILED')),
    timestamp  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, iteration);

CREATE TABLE IF NOT EXISTS fixes (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    file        TEXT NOT NULL,
    line        INTEGER,
    bug_type    TEXT NOT NULL,
    description TEXT,
    commit_message TEXT,
    status      TEXT NOT NULL CHECK(status IN ('Fixed','Failed'))
);
CREATE INDEX IF NOT EXISTS idx_fixes_run ON fixes(run_id);
CREATE INDEX IF NOT EXISTS idx_fixes_bug ON fixes(bug_type);`

func (d *DB) schemaV1() []string {
	child := sqliteChildTables
	if d.driver == DriverPostgres {
		child = postgresChildTables
	}
	// Statements are applied one at a time so both drivers accept them.
	var stmts []string
	for _, block := range []string{schemaVersionTable, runsTable, child} {
		for _, s := range strings.Split(block, ";") {
			if s = strings.TrimSpace(s); s != "" {
				stmts = append(stmts, s)
			}
		}
	}
	return stmts
}

// Migrate applies the database schema.
func (d *DB) Migrate() error {
	var count int
	err := d.conn.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = 1").Scan(&count)
	if err == nil && count > 0 {
		return nil
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range d.schemaV1() {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema v1: %w", err)
		}
	}
	if _, err := tx.Exec(d.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"), 1, now()); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

// Reset drops all tables and re-applies the schema.
func (d *DB) Reset() error {
	tables := []string{"fixes", "iterations", "runs", "schema_version"}
	for _, t := range tables {
		if _, err := d.conn.Exec("DROP TABLE IF EXISTS " + t); err != nil {
			return fmt.Errorf("drop table %s: %w", t, err)
		}
	}
	return d.Migrate()
}
