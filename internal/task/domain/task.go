package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Status string

const (
	StatusOpen     Status = "open"
	StatusDone     Status = "done"
	StatusArchived Status = "archived"
)

// Task is the minimal task shape the sync engine mutates. The full
// task domain lives upstream; this surface exists so change events and
// reminder fan-out have a real mutation path to hang off.
type Task struct {
	ID               uuid.UUID  `gorm:"primaryKey" json:"id"`
	OrgID            int64      `gorm:"column:org_id" json:"org_id"`
	Title            string     `gorm:"column:title" json:"title"`
	Status           Status     `gorm:"column:status" json:"status"`
	Priority         int        `gorm:"column:priority" json:"priority"`
	DueAt            *time.Time `gorm:"column:due_at" json:"due_at"`
	AssignedToUserID *int64     `gorm:"column:assigned_to_user_id" json:"assigned_to_user_id"`
	CreatedByUserID  int64      `gorm:"column:created_by_user_id" json:"created_by_user_id"`
	CreatedAt        time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// Owner is the user reminders target: the assignee when set, else the
// creator.
func (t Task) Owner() int64 {
	if t.AssignedToUserID != nil {
		return *t.AssignedToUserID
	}
	return t.CreatedByUserID
}

type CreateInput struct {
	Title            string
	Priority         int
	DueAt            *time.Time
	AssignedToUserID *int64
}

type UpdateInput struct {
	Title            *string
	Status           *Status
	Priority         *int
	DueAt            *time.Time
	ClearDueAt       bool
	AssignedToUserID *int64
}

var (
	ErrTitleRequired = errors.New("title_required")
	ErrInvalidStatus = errors.New("invalid_status")
	ErrTaskNotFound  = errors.New("task_not_found")
)

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, orgID int64, id uuid.UUID) (*Task, error)
	Insert(ctx context.Context, db *gorm.DB, task *Task) error
	Update(ctx context.Context, db *gorm.DB, task *Task) error
	Delete(ctx context.Context, db *gorm.DB, orgID int64, id uuid.UUID) error
}

type Service interface {
	Create(ctx context.Context, orgID, userID int64, input CreateInput) (*Task, error)
	Update(ctx context.Context, orgID, userID int64, id uuid.UUID, input UpdateInput) (*Task, error)
	Delete(ctx context.Context, orgID, userID int64, id uuid.UUID) error
	Get(ctx context.Context, orgID int64, id uuid.UUID) (*Task, error)
}
