package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"civicnotify/internal/schedule"
	"civicnotify/internal/types"
)

// SettingsRepository persists the send schedule that pending jobs were last
// computed with, so a process can tell whether the configured schedule has
// changed since.
type SettingsRepository struct {
	db DBTX
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db DBTX) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Load returns the stored schedule, or nil on a fresh install.
func (r *SettingsRepository) Load(ctx context.Context) (*schedule.Settings, error) {
	var s schedule.Settings
	err := r.db.QueryRow(ctx,
		`SELECT daily_time, weekly_day, weekly_time, monthly_day, monthly_time, timezone
		 FROM send_schedule WHERE id = 1`,
	).Scan(&s.DailyTime, &s.WeeklyDay, &s.WeeklyTime, &s.MonthlyDay, &s.MonthlyTime, &s.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load send schedule", err)
	}
	return &s, nil
}

// Save replaces the stored schedule.
func (r *SettingsRepository) Save(ctx context.Context, s schedule.Settings) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO send_schedule (id, daily_time, weekly_day, weekly_time, monthly_day, monthly_time, timezone, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (id) DO UPDATE SET
		   daily_time = EXCLUDED.daily_time,
		   weekly_day = EXCLUDED.weekly_day,
		   weekly_time = EXCLUDED.weekly_time,
		   monthly_day = EXCLUDED.monthly_day,
		   monthly_time = EXCLUDED.monthly_time,
		   timezone = EXCLUDED.timezone,
		   updated_at = NOW()`,
		s.DailyTime, s.WeeklyDay, s.WeeklyTime, s.MonthlyDay, s.MonthlyTime, s.Timezone,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save send schedule", err)
	}
	return nil
}
