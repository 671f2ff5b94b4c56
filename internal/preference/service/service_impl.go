package service

import (
	"context"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/internal/preference/domain"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Repo   domain.Repository
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	repo          domain.Repository
	defaultOffset int
}

func NewService(p Params) domain.Service {
	defaultOffset := p.Config.Notification.DefaultReminderOffsetM
	if defaultOffset <= 0 {
		defaultOffset = domain.DefaultDueSoonOffsetMinutes
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("preference.service"),
		clock:         p.Clock,
		repo:          p.Repo,
		defaultOffset: defaultOffset,
	}
}

func (s *Service) Get(ctx context.Context, orgID, userID int64) (domain.NotificationPreference, error) {
	pref, err := s.repo.Find(ctx, s.db, orgID, userID)
	if err != nil {
		return domain.NotificationPreference{}, err
	}
	if pref == nil {
		return s.defaults(orgID, userID), nil
	}
	return *pref, nil
}

func (s *Service) Update(ctx context.Context, orgID, userID int64, input domain.UpdateInput) (domain.NotificationPreference, error) {
	pref, err := s.Get(ctx, orgID, userID)
	if err != nil {
		return domain.NotificationPreference{}, err
	}

	if input.Timezone != nil {
		pref.Timezone = strings.TrimSpace(*input.Timezone)
	}
	if input.RemindersEnabled != nil {
		pref.RemindersEnabled = *input.RemindersEnabled
	}
	if input.DueSoonOffsetMinutes != nil {
		offset := *input.DueSoonOffsetMinutes
		if offset < domain.MinDueSoonOffsetMinutes || offset > domain.MaxDueSoonOffsetMinutes {
			return domain.NotificationPreference{}, domain.ErrInvalidOffset
		}
		pref.DueSoonOffsetMinutes = offset
	}
	pref.UpdatedAt = s.clock.Now()

	if err := s.repo.Upsert(ctx, s.db, &pref); err != nil {
		return domain.NotificationPreference{}, err
	}
	return pref, nil
}

func (s *Service) defaults(orgID, userID int64) domain.NotificationPreference {
	return domain.NotificationPreference{
		OrgID:                orgID,
		UserID:               userID,
		Timezone:             "UTC",
		RemindersEnabled:     true,
		DueSoonOffsetMinutes: s.defaultOffset,
	}
}
