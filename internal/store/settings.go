package store

import (
	"context"
	"database/sql"

	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

// SetSetting atomically upserts one system setting. The ON CONFLICT form
// is valid on both supported dialects.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO system_settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`),
		key, value, now())
	return errors.Wrapf(err, "set setting %s", key)
}

// GetSetting reads one system setting. A missing key returns the empty
// string.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, s.rebind(`
		SELECT value FROM system_settings WHERE key = ?`), key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, errors.Wrap(err, "get setting")
}
