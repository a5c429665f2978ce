package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/r1x/internal/types"
)

type settingsRow struct {
	ID        int64  `db:"id"`
	UserID    string `db:"user_id"`
	Settings  string `db:"settings"`
	Version   int    `db:"version"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r *settingsRow) toModel() (*types.UserSettings, error) {
	settings := map[string]any{}
	if r.Settings != "" {
		if err := json.Unmarshal([]byte(r.Settings), &settings); err != nil {
			return nil, fmt.Errorf("decode settings of %s: %w", r.UserID, err)
		}
	}
	return &types.UserSettings{
		ID:        r.ID,
		UserID:    r.UserID,
		Settings:  settings,
		Version:   r.Version,
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}, nil
}

// Latest returns the newest settings version of userID, or nil when the user
// has none.
func (s *Store) Latest(ctx context.Context, userID string) (*types.UserSettings, error) {
	var row settingsRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, settings, version, created_at, updated_at
		FROM user_settings
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings of %s: %w", userID, err)
	}
	return row.toModel()
}

// Save appends a new settings version for userID.
func (s *Store) Save(ctx context.Context, userID string, settings map[string]any) (*types.UserSettings, error) {
	if userID == "" {
		return nil, fmt.Errorf("save settings: empty user id")
	}
	if settings == nil {
		settings = map[string]any{}
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings of %s: %w", userID, err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin settings tx: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			s.logger.WarnContext(ctx, "rollback settings tx", "error", err)
		}
	}()

	var version int
	err = tx.GetContext(ctx, &version,
		`SELECT COALESCE(MAX(version), 0) FROM user_settings WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("read settings version of %s: %w", userID, err)
	}

	now := toMillis(s.clock.Now())
	row := settingsRow{
		UserID:    userID,
		Settings:  string(data),
		Version:   version + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := tx.NamedExecContext(ctx, `
		INSERT INTO user_settings (user_id, settings, version, created_at, updated_at)
		VALUES (:user_id, :settings, :version, :created_at, :updated_at)`, row)
	if err != nil {
		return nil, fmt.Errorf("insert settings of %s: %w", userID, err)
	}
	if row.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("settings id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit settings of %s: %w", userID, err)
	}
	return row.toModel()
}
