package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/bs-education/feedback-dispatch/internal/db"
)

// AutoEmailEnabled reports whether automatic post-survey dispatch is on.
// A missing row means off.
func (s *Store) AutoEmailEnabled(ctx context.Context) (bool, error) {
	setting, err := s.q.GetCronSetting(ctx, db.SettingAutoEmailEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("AutoEmailEnabled: %w", err)
	}
	return setting.Value == "true", nil
}

// SetAutoEmailEnabled writes the setting, inserting the row the first time.
//
// The read-then-write runs under serializable isolation so two operators
// toggling at once cannot both take the insert branch.
func (s *Store) SetAutoEmailEnabled(ctx context.Context, enabled bool) error {
	value := strconv.FormatBool(enabled)

	return s.withTx(ctx, func(ctx context.Context, q db.Querier) error {
		_, err := q.GetCronSetting(ctx, db.SettingAutoEmailEnabled)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := q.InsertCronSetting(ctx, db.SettingAutoEmailEnabled, value); err != nil {
				return fmt.Errorf("SetAutoEmailEnabled: insert: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("SetAutoEmailEnabled: get: %w", err)
		}

		if _, err := q.UpdateCronSetting(ctx, db.SettingAutoEmailEnabled, value); err != nil {
			return fmt.Errorf("SetAutoEmailEnabled: update: %w", err)
		}
		return nil
	})
}
