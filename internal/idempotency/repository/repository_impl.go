package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/idempotency/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, actorID int64, endpoint, key string) (*domain.Record, error) {
	var record domain.Record
	err := db.WithContext(ctx).
		Where("actor_id = ? AND endpoint = ? AND idempotency_key = ?", actorID, endpoint, key).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.Record) error {
	if record == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_records (
			id, actor_id, endpoint, idempotency_key, request_hash,
			response_status, response_body, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ActorID,
		record.Endpoint,
		record.IdempotencyKey,
		record.RequestHash,
		record.ResponseStatus,
		record.ResponseBody,
		record.CreatedAt,
		record.ExpiresAt,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id int64) error {
	return db.WithContext(ctx).Exec(`DELETE FROM idempotency_records WHERE id = ?`, id).Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM idempotency_records WHERE expires_at <= ?`, now.UTC())
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
