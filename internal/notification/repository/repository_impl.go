package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	obsmetrics "github.com/taskhub/syncengine/internal/observability/metrics"
	"github.com/taskhub/syncengine/internal/notification/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, delivery *domain.Delivery) error {
	if delivery == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO notification_deliveries (
			id, org_id, user_id, device_id, state, dedupe_key, attempts,
			payload, provider_response, available_at, lease_until, lease_owner,
			sent_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		delivery.ID,
		delivery.OrgID,
		delivery.UserID,
		delivery.DeviceID,
		delivery.State,
		delivery.DedupeKey,
		delivery.Attempts,
		delivery.Payload,
		delivery.ProviderResponse,
		delivery.AvailableAt,
		delivery.LeaseUntil,
		delivery.LeaseOwner,
		delivery.SentAt,
		delivery.CreatedAt,
		delivery.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*domain.Delivery, error) {
	var delivery domain.Delivery
	err := db.WithContext(ctx).Where("id = ?", id).First(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *repo) FindByDedupeKey(ctx context.Context, db *gorm.DB, key string) (*domain.Delivery, error) {
	var delivery domain.Delivery
	err := db.WithContext(ctx).Where("dedupe_key = ?", key).First(&delivery).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *repo) ClaimBatch(ctx context.Context, db *gorm.DB, workerID string, now, leaseUntil time.Time, limit, maxAttempts int) ([]uuid.UUID, error) {
	if limit <= 0 {
		return nil, nil
	}

	var claimed []uuid.UUID
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rows []struct {
			ID uuid.UUID
		}
		schedMetrics := obsmetrics.Scheduler()
		lockStart := time.Now()
		err := tx.WithContext(ctx).Raw(
			`SELECT id
			 FROM notification_deliveries
			 WHERE available_at <= ?
			   AND attempts < ?
			   AND (
			     state IN (?, ?)
			     OR (state = ? AND lease_until IS NOT NULL AND lease_until <= ?)
			   )
			 ORDER BY available_at ASC, created_at ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			now,
			maxAttempts,
			domain.StatePending,
			domain.StateFailed,
			domain.StateSending,
			now,
			limit,
		).Scan(&rows).Error
		schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceDeliveriesForWork, time.Since(lockStart))
		if err != nil {
			return err
		}

		for _, row := range rows {
			res := tx.WithContext(ctx).Exec(
				`UPDATE notification_deliveries
				 SET state = ?, lease_owner = ?, lease_until = ?,
				     attempts = attempts + 1, updated_at = ?
				 WHERE id = ?`,
				domain.StateSending,
				workerID,
				leaseUntil,
				now,
				row.ID,
			)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected > 0 {
				claimed = append(claimed, row.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *repo) CancelByDedupePrefix(ctx context.Context, db *gorm.DB, prefix string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_deliveries
		 SET state = ?, lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE dedupe_key LIKE ? AND state IN (?, ?, ?)`,
		domain.StateCanceled,
		now,
		prefix+"%",
		domain.StatePending,
		domain.StateSending,
		domain.StateFailed,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now time.Time, providerResponse datatypes.JSON) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_deliveries
		 SET state = ?, sent_at = ?, provider_response = ?,
		     lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE id = ? AND state = ? AND lease_owner = ?`,
		domain.StateSent,
		now,
		providerResponse,
		now,
		id,
		domain.StateSending,
		workerID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCanceled(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now time.Time, providerResponse datatypes.JSON) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_deliveries
		 SET state = ?, provider_response = ?,
		     lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE id = ? AND state = ? AND lease_owner = ?`,
		domain.StateCanceled,
		providerResponse,
		now,
		id,
		domain.StateSending,
		workerID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now, availableAt time.Time, providerResponse datatypes.JSON) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_deliveries
		 SET state = ?, available_at = ?, provider_response = ?,
		     lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE id = ? AND state = ? AND lease_owner = ?`,
		domain.StateFailed,
		availableAt,
		providerResponse,
		now,
		id,
		domain.StateSending,
		workerID,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ReleaseLeases(ctx context.Context, db *gorm.DB, ids []uuid.UUID, workerID string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE notification_deliveries
		 SET state = ?, lease_owner = '', lease_until = NULL, updated_at = ?
		 WHERE id IN ? AND state = ? AND lease_owner = ?`,
		domain.StatePending,
		now,
		ids,
		domain.StateSending,
		workerID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (r *repo) DeleteFinishedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`DELETE FROM notification_deliveries
		 WHERE state IN (?, ?) AND updated_at < ?`,
		domain.StateSent,
		domain.StateCanceled,
		cutoff.UTC(),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
