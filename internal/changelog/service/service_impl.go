package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/changelog/domain"
	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/pkg/synccursor"
)

type Params struct {
	fx.In

	Config config.Config
	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	GenID  *snowflake.Node
	Repo   domain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	genID       *snowflake.Node
	repo        domain.Repository
	maxPage     int
	defaultPage int
}

func NewService(p Params) domain.Service {
	maxPage := p.Config.Sync.MaxPageSize
	if maxPage <= 0 {
		maxPage = 500
	}
	defaultPage := p.Config.Sync.DefaultPageSize
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = 100
	}
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("changelog.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		maxPage:     maxPage,
		defaultPage: defaultPage,
	}
}

func (s *Service) Append(ctx context.Context, tx *gorm.DB, orgID int64, eventType domain.EventType, entityID *uuid.UUID, summary map[string]any) (*domain.ChangeEvent, error) {
	if tx == nil {
		tx = s.db
	}

	var payload datatypes.JSON
	if len(summary) > 0 {
		raw, err := json.Marshal(summary)
		if err != nil {
			return nil, err
		}
		payload = datatypes.JSON(raw)
	}

	event := &domain.ChangeEvent{
		ID:         s.genID.Generate().Int64(),
		OrgID:      orgID,
		EventType:  eventType,
		EntityID:   entityID,
		Summary:    payload,
		OccurredAt: s.clock.Now(),
	}
	if err := s.repo.Insert(ctx, tx, event); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Service) Page(ctx context.Context, orgID int64, cursorToken string, limit int) (domain.Page, error) {
	last, err := synccursor.Decode(cursorToken)
	if err != nil {
		// Undecodable tokens get the same treatment as expired ones:
		// the client has to resync from scratch either way.
		return domain.Page{}, &domain.CursorExpiredError{}
	}

	oldest, ok, err := s.repo.OldestRetainedID(ctx, s.db, orgID)
	if err != nil {
		return domain.Page{}, err
	}

	// A cursor older than the retention floor may sit in a purged gap.
	// oldest-1 is still valid: it yields exactly the oldest event.
	if last > 0 && ok && last < oldest-1 {
		return domain.Page{}, &domain.CursorExpiredError{OldestCursor: synccursor.Encode(oldest)}
	}

	limit = s.clampLimit(limit)

	events, err := s.repo.ListAfter(ctx, s.db, orgID, last, limit)
	if err != nil {
		return domain.Page{}, err
	}

	page := domain.Page{
		Events:     make([]domain.SyncEvent, 0, len(events)),
		NextCursor: synccursor.Encode(last),
	}
	for _, event := range events {
		wireType := wireEventType(event.EventType)
		page.Events = append(page.Events, domain.SyncEvent{
			Cursor:     synccursor.Encode(event.ID),
			Type:       wireType,
			EntityID:   event.EntityID,
			Tombstone:  wireType == domain.WireTaskDeleted,
			Summary:    event.Summary,
			OccurredAt: event.OccurredAt,
		})
	}
	if len(events) > 0 {
		page.NextCursor = synccursor.Encode(events[len(events)-1].ID)
	}
	return page, nil
}

func (s *Service) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.repo.DeleteOlderThan(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("purged change events",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultPage
	}
	if limit > s.maxPage {
		return s.maxPage
	}
	return limit
}

func wireEventType(eventType domain.EventType) string {
	switch eventType {
	case domain.EventCreated:
		return domain.WireTaskCreated
	case domain.EventUpdated:
		return domain.WireTaskUpdated
	case domain.EventDeleted, domain.EventArchived:
		return domain.WireTaskDeleted
	default:
		return domain.WireTaskUpdated
	}
}
