// Package housekeeper implements scheduled file cleanup: modules register
// directories with retention policies, and the runner deletes files
// exceeding age, count, or total-size caps. Deletion sets are the union of
// the per-policy candidate sets, oldest first.
package housekeeper

import (
	"context"
	"database/sql"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/storage"
)

// Tables are the housekeeper's table declarations. The core.housekeeper
// module declares them for the framework database.
var Tables = []storage.Table{
	{
		Name: "housekeeper_registrations",
		DDL: `CREATE TABLE housekeeper_registrations (
			id             TEXT PRIMARY KEY,
			module_id      TEXT NOT NULL,
			directory      TEXT NOT NULL,
			pattern        TEXT NOT NULL,
			retention_days INTEGER NOT NULL DEFAULT 0,
			max_files      INTEGER NOT NULL DEFAULT 0,
			max_size_mb    INTEGER NOT NULL DEFAULT 0,
			priority       INTEGER NOT NULL DEFAULT 100,
			description    TEXT NOT NULL DEFAULT '',
			enabled        INTEGER NOT NULL DEFAULT 1,
			created_at     TIMESTAMP NOT NULL,
			last_run_at    TIMESTAMP,
			UNIQUE (module_id, directory, pattern)
		)`,
	},
}

// defaultPriority is applied when a registration leaves Priority unset.
const defaultPriority = 100

// Registration is one cleanup policy over a directory. Directory is
// relative to the base dir, or absolute but contained within it. A zero
// policy field means that policy does not apply; at least one must be set.
// Lower Priority runs earlier. LastRunAt is nil until the runner first
// processes the registration.
type Registration struct {
	ID            string     `json:"id"`
	ModuleID      string     `json:"module_id"`
	Directory     string     `json:"directory"`
	Pattern       string     `json:"pattern"`
	Description   string     `json:"description,omitempty"`
	RetentionDays int        `json:"retention_days,omitempty"`
	MaxFiles      int        `json:"max_files,omitempty"`
	MaxSizeMB     int        `json:"max_size_mb,omitempty"`
	Priority      int        `json:"priority"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
}

// Store persists registrations in the framework database.
type Store struct {
	db      *storage.DB
	baseDir string
}

// NewStore creates a store. baseDir anchors directory containment checks.
func NewStore(db *storage.DB, baseDir string) *Store {
	return &Store{db: db, baseDir: filepath.Clean(baseDir)}
}

// EnsureSchema creates the registration table if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.CreateTables(ctx, Tables); err != nil {
		return fault.Wrap(fault.StorageError, "failed to ensure housekeeper tables", err)
	}
	return nil
}

// resolveDir normalizes a registration directory to an absolute path and
// rejects paths escaping the base dir.
func (s *Store) resolveDir(dir string) (string, error) {
	abs := dir
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.baseDir, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(s.baseDir, abs)
	if err != nil || rel == ".." || len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fault.Newf(fault.ParameterInvalid,
			"directory %q escapes the base directory", dir)
	}
	return abs, nil
}

// Register validates and persists a registration. The directory must stay
// within the base dir, the pattern must compile, and at least one policy
// field must be set. Re-registering the same (module, directory, pattern)
// is idempotent and returns the existing row.
func (s *Store) Register(ctx context.Context, r Registration) (*Registration, error) {
	if r.ModuleID == "" {
		return nil, fault.New(fault.ParameterInvalid, "registration module_id must not be empty")
	}
	if r.Directory == "" {
		return nil, fault.New(fault.ParameterInvalid, "registration directory must not be empty")
	}
	if _, err := s.resolveDir(r.Directory); err != nil {
		return nil, err
	}
	if r.Pattern == "" {
		r.Pattern = "*"
	}
	if _, err := filepath.Match(r.Pattern, "sample"); err != nil {
		return nil, fault.Newf(fault.ParameterInvalid, "invalid glob pattern %q", r.Pattern)
	}
	if r.RetentionDays < 0 || r.MaxFiles < 0 || r.MaxSizeMB < 0 {
		return nil, fault.New(fault.ParameterInvalid, "policy fields must not be negative")
	}
	if r.RetentionDays == 0 && r.MaxFiles == 0 && r.MaxSizeMB == 0 {
		return nil, fault.New(fault.ParameterInvalid,
			"at least one of retention_days, max_files, max_size_mb must be set")
	}
	if r.Priority < 0 {
		return nil, fault.New(fault.ParameterInvalid, "priority must not be negative")
	}
	if r.Priority == 0 {
		r.Priority = defaultPriority
	}

	if existing, err := s.find(ctx, r.ModuleID, r.Directory, r.Pattern); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	r.ID = uuid.NewString()
	r.CreatedAt = time.Now().UTC()
	r.LastRunAt = nil
	_, err := s.db.Handle().ExecContext(ctx, `
		INSERT INTO housekeeper_registrations
			(id, module_id, directory, pattern, description,
			 retention_days, max_files, max_size_mb, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ModuleID, r.Directory, r.Pattern, r.Description,
		r.RetentionDays, r.MaxFiles, r.MaxSizeMB, r.Priority, boolInt(r.Enabled), r.CreatedAt)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to insert registration", err)
	}
	return &r, nil
}

const registrationColumns = `id, module_id, directory, pattern, description,
	retention_days, max_files, max_size_mb, priority, enabled, created_at, last_run_at`

// find returns the registration for a (module, directory, pattern) key,
// or nil when absent.
func (s *Store) find(ctx context.Context, moduleID, directory, pattern string) (*Registration, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM housekeeper_registrations
		WHERE module_id = ? AND directory = ? AND pattern = ?
	`, moduleID, directory, pattern)

	r, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query registration", err)
	}
	return r, nil
}

// Get fetches one registration by id.
func (s *Store) Get(ctx context.Context, id string) (*Registration, error) {
	row := s.db.Handle().QueryRowContext(ctx, `
		SELECT `+registrationColumns+` FROM housekeeper_registrations WHERE id = ?
	`, id)

	r, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.NotFound, "registration %q not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query registration", err)
	}
	return r, nil
}

// List returns all registrations ordered by priority, lowest first. Ties
// break oldest first.
func (s *Store) List(ctx context.Context) ([]*Registration, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+registrationColumns+` FROM housekeeper_registrations
		ORDER BY priority, created_at, id
	`)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to list registrations", err)
	}
	defer rows.Close()

	var out []*Registration
	for rows.Next() {
		r, err := scanRegistration(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan registration", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate registrations", err)
	}
	return out, nil
}

// SetEnabled toggles a registration.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.Handle().ExecContext(ctx, `
		UPDATE housekeeper_registrations SET enabled = ? WHERE id = ?
	`, boolInt(enabled), id)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to update registration", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "registration %q not found", id)
	}
	return nil
}

// TouchLastRun stamps the time the runner last processed a registration.
func (s *Store) TouchLastRun(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.Handle().ExecContext(ctx, `
		UPDATE housekeeper_registrations SET last_run_at = ? WHERE id = ?
	`, at.UTC(), id)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to update registration", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "registration %q not found", id)
	}
	return nil
}

// Delete removes a registration.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.Handle().ExecContext(ctx, `
		DELETE FROM housekeeper_registrations WHERE id = ?
	`, id)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to delete registration", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "registration %q not found", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegistration(row rowScanner) (*Registration, error) {
	var (
		r       Registration
		enabled int
		lastRun sql.NullTime
	)
	err := row.Scan(&r.ID, &r.ModuleID, &r.Directory, &r.Pattern, &r.Description,
		&r.RetentionDays, &r.MaxFiles, &r.MaxSizeMB, &r.Priority, &enabled, &r.CreatedAt, &lastRun)
	if err != nil {
		return nil, err
	}
	r.Enabled = enabled != 0
	r.CreatedAt = r.CreatedAt.UTC()
	if lastRun.Valid {
		at := lastRun.Time.UTC()
		r.LastRunAt = &at
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
