package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/device/domain"
	"github.com/taskhub/syncengine/pkg/db"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
	Cipher *domain.TokenCipher
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	repo   domain.Repository
	cipher *domain.TokenCipher
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("device.service"),
		clock:  p.Clock,
		repo:   p.Repo,
		cipher: p.Cipher,
	}
}

func (s *Service) Register(ctx context.Context, orgID, userID int64, input domain.RegisterInput) (*domain.Device, error) {
	token := strings.TrimSpace(input.Token)
	if token == "" {
		return nil, domain.ErrInvalidToken
	}
	environment, err := normalizeEnvironment(input.Environment)
	if err != nil {
		return nil, err
	}

	tokenHash := domain.HashToken(token)
	ciphertext, err := s.cipher.Encrypt(token)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	installationID := strings.TrimSpace(input.InstallationID)

	// An installation re-registering with a rotated token keeps its
	// device row; a token seen from a new installation does too.
	var existing *domain.Device
	if installationID != "" {
		existing, err = s.repo.FindByInstallationID(ctx, s.db, installationID)
		if err != nil {
			return nil, err
		}
	}
	if existing == nil {
		existing, err = s.repo.FindByTokenHash(ctx, s.db, tokenHash, environment)
		if err != nil {
			return nil, err
		}
	}

	if existing != nil {
		existing.OrgID = orgID
		existing.UserID = userID
		existing.TokenHash = tokenHash
		existing.TokenCiphertext = ciphertext
		existing.Environment = environment
		if installationID != "" {
			existing.InstallationID = &installationID
		}
		existing.AppVersion = strings.TrimSpace(input.AppVersion)
		existing.Timezone = strings.TrimSpace(input.Timezone)
		existing.LastSeenAt = now
		if err := s.repo.Update(ctx, s.db, existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	device := &domain.Device{
		ID:              uuid.New(),
		OrgID:           orgID,
		UserID:          userID,
		TokenHash:       tokenHash,
		TokenCiphertext: ciphertext,
		Environment:     environment,
		AppVersion:      strings.TrimSpace(input.AppVersion),
		Timezone:        strings.TrimSpace(input.Timezone),
		LastSeenAt:      now,
		CreatedAt:       now,
	}
	if installationID != "" {
		device.InstallationID = &installationID
	}

	if err := s.repo.Insert(ctx, s.db, device); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Concurrent register won either unique constraint
			// (installation id or token hash): adopt the winner.
			if installationID != "" {
				winner, findErr := s.repo.FindByInstallationID(ctx, s.db, installationID)
				if findErr != nil {
					return nil, findErr
				}
				if winner != nil {
					return winner, nil
				}
			}
			winner, findErr := s.repo.FindByTokenHash(ctx, s.db, tokenHash, environment)
			if findErr != nil {
				return nil, findErr
			}
			if winner != nil {
				return winner, nil
			}
		}
		return nil, err
	}
	return device, nil
}

func (s *Service) Unregister(ctx context.Context, orgID int64, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.ErrInvalidToken
	}

	tokenHash := domain.HashToken(token)
	for _, environment := range []domain.Environment{domain.EnvProduction, domain.EnvSandbox} {
		device, err := s.repo.FindByTokenHash(ctx, s.db, tokenHash, environment)
		if err != nil {
			return err
		}
		if device == nil || device.OrgID != orgID {
			continue
		}
		return s.repo.Delete(ctx, s.db, device.ID)
	}
	return domain.ErrDeviceNotFound
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, s.db, id)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	device, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, domain.ErrDeviceNotFound
	}
	return device, nil
}

func (s *Service) ListForUser(ctx context.Context, orgID, userID int64) ([]domain.Device, error) {
	return s.repo.ListForUser(ctx, s.db, orgID, userID)
}

func (s *Service) Token(device *domain.Device) (string, error) {
	if device == nil {
		return "", domain.ErrDeviceNotFound
	}
	return s.cipher.Decrypt(device.TokenCiphertext)
}

func normalizeEnvironment(raw string) (domain.Environment, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(domain.EnvProduction):
		return domain.EnvProduction, nil
	case string(domain.EnvSandbox):
		return domain.EnvSandbox, nil
	default:
		return "", domain.ErrInvalidEnvironment
	}
}
