package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Environment string

const (
	EnvSandbox    Environment = "sandbox"
	EnvProduction Environment = "production"
)

// Device is a registered push target. The raw APNs token is never
// stored: token_hash keys lookups and token_ciphertext holds the
// encrypted token for dispatch.
type Device struct {
	ID              uuid.UUID   `gorm:"primaryKey" json:"id"`
	OrgID           int64       `gorm:"column:org_id" json:"org_id"`
	UserID          int64       `gorm:"column:user_id" json:"user_id"`
	TokenHash       string      `gorm:"column:token_hash" json:"-"`
	TokenCiphertext string      `gorm:"column:token_ciphertext" json:"-"`
	Environment     Environment `gorm:"column:environment" json:"environment"`
	InstallationID  *string     `gorm:"column:installation_id" json:"installation_id"`
	AppVersion      string      `gorm:"column:app_version" json:"app_version"`
	Timezone        string      `gorm:"column:timezone" json:"timezone"`
	LastSeenAt      time.Time   `gorm:"column:last_seen_at" json:"last_seen_at"`
	CreatedAt       time.Time   `gorm:"column:created_at" json:"created_at"`
}

func (Device) TableName() string {
	return "devices"
}

type RegisterInput struct {
	Token          string
	Environment    string
	InstallationID string
	AppVersion     string
	Timezone       string
}

var (
	ErrInvalidToken       = errors.New("invalid_device_token")
	ErrInvalidEnvironment = errors.New("invalid_environment")
	ErrDeviceNotFound     = errors.New("device_not_found")
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*Device, error)
	FindByTokenHash(ctx context.Context, db *gorm.DB, tokenHash string, environment Environment) (*Device, error)
	FindByInstallationID(ctx context.Context, db *gorm.DB, installationID string) (*Device, error)
	ListForUser(ctx context.Context, db *gorm.DB, orgID, userID int64) ([]Device, error)
	Insert(ctx context.Context, db *gorm.DB, device *Device) error
	Update(ctx context.Context, db *gorm.DB, device *Device) error
	Delete(ctx context.Context, db *gorm.DB, id uuid.UUID) error
}

type Service interface {
	// Register upserts a device for the calling user, keyed by
	// installation id when provided, else by token hash.
	Register(ctx context.Context, orgID, userID int64, input RegisterInput) (*Device, error)

	// Unregister removes the device matching the raw token.
	Unregister(ctx context.Context, orgID int64, token string) error

	// Delete removes a device by id, for dead token eviction.
	Delete(ctx context.Context, id uuid.UUID) error

	Get(ctx context.Context, id uuid.UUID) (*Device, error)
	ListForUser(ctx context.Context, orgID, userID int64) ([]Device, error)

	// Token decrypts the stored APNs token.
	Token(device *Device) (string, error)
}
