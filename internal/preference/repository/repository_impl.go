package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/preference/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, orgID, userID int64) (*domain.NotificationPreference, error) {
	var pref domain.NotificationPreference
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		First(&pref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pref, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, pref *domain.NotificationPreference) error {
	if pref == nil {
		return nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_preferences SET
			timezone = ?, reminders_enabled = ?, due_soon_offset_minutes = ?, updated_at = ?
		 WHERE org_id = ? AND user_id = ?`,
		pref.Timezone,
		pref.RemindersEnabled,
		pref.DueSoonOffsetMinutes,
		pref.UpdatedAt,
		pref.OrgID,
		pref.UserID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO notification_preferences (
			org_id, user_id, timezone, reminders_enabled, due_soon_offset_minutes, updated_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		pref.OrgID,
		pref.UserID,
		pref.Timezone,
		pref.RemindersEnabled,
		pref.DueSoonOffsetMinutes,
		pref.UpdatedAt,
	).Error
}
