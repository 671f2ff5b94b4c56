package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

const (
	DefaultDueSoonOffsetMinutes = 30
	MinDueSoonOffsetMinutes     = 1
	MaxDueSoonOffsetMinutes     = 24 * 60
)

// NotificationPreference holds per-user reminder settings. Absent rows
// read as the defaults.
type NotificationPreference struct {
	OrgID                int64     `gorm:"column:org_id;primaryKey" json:"org_id"`
	UserID               int64     `gorm:"column:user_id;primaryKey" json:"user_id"`
	Timezone             string    `gorm:"column:timezone" json:"timezone"`
	RemindersEnabled     bool      `gorm:"column:reminders_enabled" json:"reminders_enabled"`
	DueSoonOffsetMinutes int       `gorm:"column:due_soon_offset_minutes" json:"due_soon_offset_minutes"`
	UpdatedAt            time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (NotificationPreference) TableName() string {
	return "notification_preferences"
}

// DueSoonOffset returns the reminder offset clamped to the allowed window.
func (p NotificationPreference) DueSoonOffset() time.Duration {
	minutes := p.DueSoonOffsetMinutes
	if minutes < MinDueSoonOffsetMinutes {
		minutes = MinDueSoonOffsetMinutes
	}
	if minutes > MaxDueSoonOffsetMinutes {
		minutes = MaxDueSoonOffsetMinutes
	}
	return time.Duration(minutes) * time.Minute
}

type UpdateInput struct {
	Timezone             *string
	RemindersEnabled     *bool
	DueSoonOffsetMinutes *int
}

var ErrInvalidOffset = errors.New("invalid_due_soon_offset")

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, orgID, userID int64) (*NotificationPreference, error)
	Upsert(ctx context.Context, db *gorm.DB, pref *NotificationPreference) error
}

type Service interface {
	// Get returns the stored preference or the defaults.
	Get(ctx context.Context, orgID, userID int64) (NotificationPreference, error)
	Update(ctx context.Context, orgID, userID int64, input UpdateInput) (NotificationPreference, error)
}
