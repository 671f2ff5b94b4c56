package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/changelog/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.ChangeEvent) error {
	if event == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO change_events (id, org_id, event_type, entity_id, summary, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrgID,
		event.EventType,
		event.EntityID,
		event.Summary,
		event.OccurredAt,
	).Error
}

func (r *repo) OldestRetainedID(ctx context.Context, db *gorm.DB, orgID int64) (int64, bool, error) {
	var ids []int64
	err := db.WithContext(ctx).
		Raw(`SELECT id FROM change_events WHERE org_id = ? ORDER BY id ASC LIMIT 1`, orgID).
		Scan(&ids).Error
	if err != nil {
		return 0, false, err
	}
	if len(ids) == 0 {
		return 0, false, nil
	}
	return ids[0], true, nil
}

func (r *repo) ListAfter(ctx context.Context, db *gorm.DB, orgID, afterID int64, limit int) ([]domain.ChangeEvent, error) {
	var events []domain.ChangeEvent
	err := db.WithContext(ctx).
		Model(&domain.ChangeEvent{}).
		Where("org_id = ? AND id > ?", orgID, afterID).
		Order("id asc").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) DeleteOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM change_events WHERE occurred_at < ?`, cutoff.UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
