package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/storage"
)

// defaultUser is the user scope preferences are stored under when no user
// is named. The schema keys uniqueness on (module_id, key, user_id).
const defaultUser = "default"

// PreferencesTable is the user preference table declaration. The
// core.settings module declares it for the framework database; the store
// also ensures it when opening a module-selected database.
var PreferencesTable = storage.Table{
	Name: "user_preferences",
	DDL: `CREATE TABLE user_preferences (
		module_id  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value_json TEXT NOT NULL,
		user_id    TEXT NOT NULL DEFAULT 'default',
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (module_id, key, user_id)
	)`,
}

// PreferenceStore persists user preference rows in one database.
type PreferenceStore struct {
	db *storage.DB
}

// NewPreferenceStore creates a store over an open database.
func NewPreferenceStore(db *storage.DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

// EnsureSchema creates the preference table if missing.
func (s *PreferenceStore) EnsureSchema(ctx context.Context) error {
	if err := s.db.CreateTables(ctx, []storage.Table{PreferencesTable}); err != nil {
		return fault.Wrap(fault.StorageError, "failed to ensure preferences table", err)
	}
	return nil
}

// Set upserts one preference row, keyed on (module_id, key, user_id).
func (s *PreferenceStore) Set(ctx context.Context, moduleID, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fault.Wrap(fault.ParameterInvalid,
			fmt.Sprintf("preference %s.%s is not JSON-serializable", moduleID, key), err)
	}

	_, err = s.db.Handle().ExecContext(ctx, `
		INSERT INTO user_preferences (module_id, key, value_json, user_id, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (module_id, key, user_id)
		DO UPDATE SET value_json = excluded.value_json, updated_at = CURRENT_TIMESTAMP
	`, moduleID, key, string(data), defaultUser)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to upsert preference", err)
	}
	return nil
}

// Get returns one preference value. The second return is false when the
// row does not exist.
func (s *PreferenceStore) Get(ctx context.Context, moduleID, key string) (any, bool, error) {
	var raw string
	err := s.db.Handle().QueryRowContext(ctx, `
		SELECT value_json FROM user_preferences
		WHERE module_id = ? AND key = ? AND user_id = ?
	`, moduleID, key, defaultUser).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.StorageError, "failed to query preference", err)
	}

	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, false, fault.Wrap(fault.StorageError, "failed to decode stored preference", err)
	}
	return value, true, nil
}

// All returns every preference for a module as key to decoded value.
func (s *PreferenceStore) All(ctx context.Context, moduleID string) (map[string]any, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT key, value_json FROM user_preferences
		WHERE module_id = ? AND user_id = ?
	`, moduleID, defaultUser)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to list preferences", err)
	}
	defer rows.Close()

	prefs := make(map[string]any)
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan preference row", err)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fault.Wrap(fault.StorageError,
				fmt.Sprintf("failed to decode preference %s.%s", moduleID, key), err)
		}
		prefs[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate preference rows", err)
	}
	return prefs, nil
}

// Clear deletes one preference row. Deleting an absent row is not an
// error.
func (s *PreferenceStore) Clear(ctx context.Context, moduleID, key string) error {
	_, err := s.db.Handle().ExecContext(ctx, `
		DELETE FROM user_preferences
		WHERE module_id = ? AND key = ? AND user_id = ?
	`, moduleID, key, defaultUser)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to delete preference", err)
	}
	return nil
}

// Count returns the number of stored preferences for a module.
func (s *PreferenceStore) Count(ctx context.Context, moduleID string) (int, error) {
	var count int
	err := s.db.Handle().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM user_preferences WHERE module_id = ? AND user_id = ?
	`, moduleID, defaultUser).Scan(&count)
	if err != nil {
		return 0, fault.Wrap(fault.StorageError, "failed to count preferences", err)
	}
	return count, nil
}
