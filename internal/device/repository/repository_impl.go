package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/device/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	err := db.WithContext(ctx).Where("id = ?", id).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *repo) FindByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string, environment domain.Environment) (*domain.Device, error) {
	var device domain.Device
	err := db.WithContext(ctx).
		Where("token_hash = ? AND environment = ?", tokenHash, environment).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *repo) FindByInstallationID(ctx context.Context, db *gorm.DB, installationID string) (*domain.Device, error) {
	var device domain.Device
	err := db.WithContext(ctx).
		Where("installation_id = ?", installationID).
		First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *repo) ListForUser(ctx context.Context, db *gorm.DB, orgID, userID int64) ([]domain.Device, error) {
	var devices []domain.Device
	err := db.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Order("created_at asc").
		Find(&devices).Error
	if err != nil {
		return nil, err
	}
	return devices, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, device *domain.Device) error {
	if device == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO devices (
			id, org_id, user_id, token_hash, token_ciphertext, environment,
			installation_id, app_version, timezone, last_seen_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		device.ID,
		device.OrgID,
		device.UserID,
		device.TokenHash,
		device.TokenCiphertext,
		device.Environment,
		device.InstallationID,
		device.AppVersion,
		device.Timezone,
		device.LastSeenAt,
		device.CreatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, device *domain.Device) error {
	if device == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE devices SET
			token_hash = ?, token_ciphertext = ?, environment = ?,
			installation_id = ?, app_version = ?, timezone = ?, last_seen_at = ?
		 WHERE id = ?`,
		device.TokenHash,
		device.TokenCiphertext,
		device.Environment,
		device.InstallationID,
		device.AppVersion,
		device.Timezone,
		device.LastSeenAt,
		device.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id uuid.UUID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM devices WHERE id = ?`, id).Error
}
