package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/events"
	notificationdomain "github.com/taskhub/syncengine/internal/notification/domain"
	"github.com/taskhub/syncengine/internal/task/domain"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Repo          domain.Repository
	Changelog     changelogdomain.Service
	Notifications notificationdomain.Service
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	clock         clock.Clock
	repo          domain.Repository
	changelog     changelogdomain.Service
	notifications notificationdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("task.service"),
		clock:         p.Clock,
		repo:          p.Repo,
		changelog:     p.Changelog,
		notifications: p.Notifications,
	}
}

func (s *Service) Create(ctx context.Context, orgID, userID int64, input domain.CreateInput) (*domain.Task, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domain.ErrTitleRequired
	}

	now := s.clock.Now()
	task := &domain.Task{
		ID:               uuid.New(),
		OrgID:            orgID,
		Title:            title,
		Status:           domain.StatusOpen,
		Priority:         input.Priority,
		DueAt:            normalizeDueAt(input.DueAt),
		AssignedToUserID: input.AssignedToUserID,
		CreatedByUserID:  userID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := events.RunAfterCommit(ctx, s.db, func(tx *gorm.DB, hooks *events.Hooks) error {
		if err := s.repo.Insert(ctx, tx, task); err != nil {
			return err
		}
		if _, err := s.changelog.Append(ctx, tx, orgID, changelogdomain.EventCreated, &task.ID, taskSummary(task)); err != nil {
			return err
		}
		hooks.Add(func(hookCtx context.Context) {
			s.refreshReminders(hookCtx, task)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) Update(ctx context.Context, orgID, userID int64, id uuid.UUID, input domain.UpdateInput) (*domain.Task, error) {
	var task *domain.Task
	err := events.RunAfterCommit(ctx, s.db, func(tx *gorm.DB, hooks *events.Hooks) error {
		found, err := s.repo.FindByID(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrTaskNotFound
		}
		task = found

		if input.Title != nil {
			title := strings.TrimSpace(*input.Title)
			if title == "" {
				return domain.ErrTitleRequired
			}
			task.Title = title
		}
		if input.Status != nil {
			if !validStatus(*input.Status) {
				return domain.ErrInvalidStatus
			}
			task.Status = *input.Status
		}
		if input.Priority != nil {
			task.Priority = *input.Priority
		}
		if input.ClearDueAt {
			task.DueAt = nil
		} else if input.DueAt != nil {
			task.DueAt = normalizeDueAt(input.DueAt)
		}
		if input.AssignedToUserID != nil {
			task.AssignedToUserID = input.AssignedToUserID
		}
		task.UpdatedAt = s.clock.Now()

		if err := s.repo.Update(ctx, tx, task); err != nil {
			return err
		}

		// Archival is its own event class so sync clients receive a
		// tombstone rather than a payload update.
		eventType := changelogdomain.EventUpdated
		if task.Status == domain.StatusArchived {
			eventType = changelogdomain.EventArchived
		}
		if _, err := s.changelog.Append(ctx, tx, orgID, eventType, &task.ID, taskSummary(task)); err != nil {
			return err
		}

		hooks.Add(func(hookCtx context.Context) {
			s.refreshReminders(hookCtx, task)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *Service) Delete(ctx context.Context, orgID, userID int64, id uuid.UUID) error {
	return events.RunAfterCommit(ctx, s.db, func(tx *gorm.DB, hooks *events.Hooks) error {
		found, err := s.repo.FindByID(ctx, tx, orgID, id)
		if err != nil {
			return err
		}
		if found == nil {
			return domain.ErrTaskNotFound
		}

		if err := s.repo.Delete(ctx, tx, orgID, id); err != nil {
			return err
		}
		if _, err := s.changelog.Append(ctx, tx, orgID, changelogdomain.EventDeleted, &id, map[string]any{
			"title": found.Title,
		}); err != nil {
			return err
		}

		hooks.Add(func(hookCtx context.Context) {
			if _, err := s.notifications.CancelForTask(hookCtx, nil, id); err != nil {
				s.log.Warn("reminder cancel failed",
					zap.String("task_id", id.String()),
					zap.Error(err),
				)
			}
		})
		return nil
	})
}

func (s *Service) Get(ctx context.Context, orgID int64, id uuid.UUID) (*domain.Task, error) {
	task, err := s.repo.FindByID(ctx, s.db, orgID, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

func (s *Service) refreshReminders(ctx context.Context, task *domain.Task) {
	if err := s.notifications.RefreshTaskReminders(ctx, task); err != nil {
		s.log.Warn("reminder refresh failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}
}

func taskSummary(task *domain.Task) map[string]any {
	summary := map[string]any{
		"title":    task.Title,
		"status":   string(task.Status),
		"priority": task.Priority,
	}
	if task.DueAt != nil {
		summary["due_at"] = task.DueAt.UTC().Format(time.RFC3339)
	}
	if task.AssignedToUserID != nil {
		summary["assigned_to_user_id"] = *task.AssignedToUserID
	}
	return summary
}

func validStatus(status domain.Status) bool {
	switch status {
	case domain.StatusOpen, domain.StatusDone, domain.StatusArchived:
		return true
	}
	return false
}

func normalizeDueAt(due *time.Time) *time.Time {
	if due == nil {
		return nil
	}
	utc := due.UTC()
	return &utc
}
