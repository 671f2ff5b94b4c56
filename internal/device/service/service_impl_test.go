package service

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/device/domain"
	"github.com/taskhub/syncengine/internal/device/repository"
	pkgdb "github.com/taskhub/syncengine/pkg/db"
)

func newTestService(t *testing.T) (*Service, *clock.FakeClock) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		token_hash TEXT NOT NULL,
		token_ciphertext TEXT NOT NULL,
		environment TEXT NOT NULL,
		installation_id TEXT,
		app_version TEXT,
		timezone TEXT,
		last_seen_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (token_hash, environment)
	)`).Error)
	require.NoError(t, db.Exec(
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_devices_installation_id
		 ON devices (installation_id) WHERE installation_id IS NOT NULL`,
	).Error)
	require.NoError(t, db.Exec(`DELETE FROM devices`).Error)

	cipher, err := domain.NewTokenCipher("test-key")
	require.NoError(t, err)

	fake := clock.NewFakeClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		Repo:   repository.Provide(),
		Cipher: cipher,
	}).(*Service)
	return svc, fake
}

func TestRegisterCreatesDevice(t *testing.T) {
	svc, _ := newTestService(t)

	device, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{
		Token:       "tok-abc",
		Environment: "production",
		AppVersion:  "1.2.0",
		Timezone:    "Europe/Berlin",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EnvProduction, device.Environment)
	assert.Equal(t, domain.HashToken("tok-abc"), device.TokenHash)
	assert.NotEqual(t, "tok-abc", device.TokenCiphertext)

	token, err := svc.Token(device)
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", token)
}

func TestRegisterUpsertsByToken(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{Token: "tok-dup"})
	require.NoError(t, err)

	second, err := svc.Register(context.Background(), 1, 101, domain.RegisterInput{Token: "tok-dup"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(101), second.UserID)

	devices, err := svc.ListForUser(context.Background(), 1, 101)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
}

func TestRegisterUpsertsByInstallationID(t *testing.T) {
	svc, _ := newTestService(t)

	first, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{
		Token:          "tok-old",
		InstallationID: "install-1",
	})
	require.NoError(t, err)

	// Same installation with a rotated token keeps the device row.
	second, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{
		Token:          "tok-new",
		InstallationID: "install-1",
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	token, err := svc.Token(second)
	require.NoError(t, err)
	assert.Equal(t, "tok-new", token)
}

func TestInstallationIDUniquePerDevice(t *testing.T) {
	svc, fake := newTestService(t)
	repo := repository.Provide()
	now := fake.Now()
	install := "install-uq"

	first := &domain.Device{
		ID:              uuid.New(),
		OrgID:           1,
		UserID:          100,
		TokenHash:       domain.HashToken("tok-uq-a"),
		TokenCiphertext: "ct-a",
		Environment:     domain.EnvProduction,
		InstallationID:  &install,
		LastSeenAt:      now,
		CreatedAt:       now,
	}
	require.NoError(t, repo.Insert(context.Background(), svc.db, first))

	second := &domain.Device{
		ID:              uuid.New(),
		OrgID:           1,
		UserID:          100,
		TokenHash:       domain.HashToken("tok-uq-b"),
		TokenCiphertext: "ct-b",
		Environment:     domain.EnvProduction,
		InstallationID:  &install,
		LastSeenAt:      now,
		CreatedAt:       now,
	}
	err := repo.Insert(context.Background(), svc.db, second)
	require.Error(t, err)
	assert.True(t, pkgdb.IsDuplicateKeyErr(err))

	var count int64
	require.NoError(t, svc.db.Table("devices").Where("installation_id = ?", install).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

// contendedInstallRepo misses the first installation-id lookup and
// lands a competing row before the insert, modeling two registers
// racing on the same installation.
type contendedInstallRepo struct {
	domain.Repository
	db      *gorm.DB
	winner  *domain.Device
	planted bool
}

func (r *contendedInstallRepo) FindByInstallationID(ctx context.Context, db *gorm.DB, installationID string) (*domain.Device, error) {
	if !r.planted {
		r.planted = true
		if err := r.Repository.Insert(ctx, r.db, r.winner); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return r.Repository.FindByInstallationID(ctx, db, installationID)
}

func TestRegisterAdoptsInstallationRaceWinner(t *testing.T) {
	svc, fake := newTestService(t)
	now := fake.Now()
	install := "install-race"

	sealed, err := svc.cipher.Encrypt("tok-winner")
	require.NoError(t, err)
	winner := &domain.Device{
		ID:              uuid.New(),
		OrgID:           1,
		UserID:          100,
		TokenHash:       domain.HashToken("tok-winner"),
		TokenCiphertext: sealed,
		Environment:     domain.EnvProduction,
		InstallationID:  &install,
		LastSeenAt:      now,
		CreatedAt:       now,
	}

	racer := NewService(Params{
		DB:    svc.db,
		Log:   zap.NewNop(),
		Clock: fake,
		Repo: &contendedInstallRepo{
			Repository: repository.Provide(),
			db:         svc.db,
			winner:     winner,
		},
		Cipher: svc.cipher,
	}).(*Service)

	got, err := racer.Register(context.Background(), 1, 101, domain.RegisterInput{
		Token:          "tok-loser",
		InstallationID: install,
	})
	require.NoError(t, err)
	assert.Equal(t, winner.ID, got.ID)

	var count int64
	require.NoError(t, svc.db.Table("devices").Where("installation_id = ?", install).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{Token: "  "})
	assert.ErrorIs(t, err, domain.ErrInvalidToken)

	_, err = svc.Register(context.Background(), 1, 100, domain.RegisterInput{
		Token:       "tok",
		Environment: "staging",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidEnvironment)
}

func TestUnregisterRemovesDevice(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{Token: "tok-rm"})
	require.NoError(t, err)

	require.NoError(t, svc.Unregister(context.Background(), 1, "tok-rm"))

	devices, err := svc.ListForUser(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Empty(t, devices)

	err = svc.Unregister(context.Background(), 1, "tok-rm")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestUnregisterScopedToOrg(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Register(context.Background(), 1, 100, domain.RegisterInput{Token: "tok-org"})
	require.NoError(t, err)

	err = svc.Unregister(context.Background(), 2, "tok-org")
	assert.ErrorIs(t, err, domain.ErrDeviceNotFound)
}

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := domain.NewTokenCipher("secret")
	require.NoError(t, err)

	sealed, err := cipher.Encrypt("raw-token")
	require.NoError(t, err)

	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "raw-token", opened)

	other, err := domain.NewTokenCipher("different")
	require.NoError(t, err)
	_, err = other.Decrypt(sealed)
	assert.Error(t, err)
}
