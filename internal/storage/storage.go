// Package storage provides SQLite persistence for the chassis kernel.
// Each logical database is one file under <base>/database/; the framework's
// own tables (scheduled events, executions, cleanup registrations, user
// preferences) live in the "framework" database unless a module declares
// another one.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// FrameworkDB is the name of the framework-level database.
const FrameworkDB = "framework"

// Table is one declared table: a name and its CREATE TABLE DDL.
// Declarations come from module metadata; the bootstrap database handler
// materializes them.
type Table struct {
	// Name is the table name.
	Name string

	// DDL is the CREATE TABLE statement. It is normalized to
	// IF NOT EXISTS before execution, so declarations are idempotent.
	DDL string
}

// DB wraps one open SQLite database file.
type DB struct {
	name   string
	path   string
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// open opens or creates the database file and applies the standard
// connection settings.
func open(ctx context.Context, name, path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory; %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q; %w", name, err)
	}

	// Serialize access to avoid SQLite write contention.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout; %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys; %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode; %w", err)
	}

	return &DB{name: name, path: path, db: db}, nil
}

// Name returns the logical database name.
func (d *DB) Name() string {
	return d.name
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Handle returns the underlying database connection.
// Use with care; prefer the typed store methods built on top.
func (d *DB) Handle() *sql.DB {
	return d.db
}

// Close closes the database connection.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.db.Close()
}

// ifNotExistsRe rewrites CREATE TABLE and CREATE INDEX statements to their
// IF NOT EXISTS form.
var ifNotExistsRe = regexp.MustCompile(`(?i)^\s*CREATE\s+(TABLE|(?:UNIQUE\s+)?INDEX)\s+(?:IF\s+NOT\s+EXISTS\s+)?`)

// normalizeDDL rewrites a CREATE statement to be idempotent.
func normalizeDDL(ddl string) string {
	loc := ifNotExistsRe.FindStringSubmatchIndex(ddl)
	if loc == nil {
		return ddl
	}
	if strings.Contains(strings.ToUpper(ddl[loc[0]:loc[1]]), "IF NOT EXISTS") {
		return ddl
	}
	// loc[3] is the end of the TABLE/INDEX keyword.
	return ddl[:loc[3]] + " IF NOT EXISTS" + ddl[loc[3]:]
}

// CreateTables creates any missing declared tables in a single
// transaction. DDL statements are normalized to IF NOT EXISTS, so calling
// this repeatedly is safe.
func (d *DB) CreateTables(ctx context.Context, tables []Table) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction; %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, normalizeDDL(table.DDL)); err != nil {
			return fmt.Errorf("failed to create table %q in database %q; %w", table.Name, d.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit table creation; %w", err)
	}
	return nil
}

// TableExists reports whether a table exists in the database.
func (d *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query sqlite_master; %w", err)
	}
	return count > 0, nil
}

// Manager owns the set of open databases, one per logical name.
// Safe for concurrent use; Open is idempotent per name.
type Manager struct {
	mu      sync.RWMutex
	baseDir string
	dbs     map[string]*DB
}

// NewManager creates a manager rooted at the given base directory.
// Database files live in <baseDir>/database/<name>.db.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir: baseDir,
		dbs:     make(map[string]*DB),
	}
}

// Open opens or creates the named database, returning the existing handle
// when already open.
func (m *Manager) Open(ctx context.Context, name string) (*DB, error) {
	if name == "" {
		return nil, fmt.Errorf("database name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.dbs[name]; ok {
		return db, nil
	}

	path := filepath.Join(m.baseDir, "database", name+".db")
	db, err := open(ctx, name, path)
	if err != nil {
		return nil, err
	}

	m.dbs[name] = db
	return db, nil
}

// Get returns the named database if it is open.
func (m *Manager) Get(name string) (*DB, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	db, ok := m.dbs[name]
	return db, ok
}

// Names returns the names of all open databases.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	return names
}

// CloseAll closes every open database. Called last during shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close database %q; %w", name, err)
		}
		delete(m.dbs, name)
	}
	return firstErr
}
