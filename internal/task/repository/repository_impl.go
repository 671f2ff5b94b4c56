package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/task/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID int64, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	err := db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, task *domain.Task) error {
	if task == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO tasks (
			id, org_id, title, status, priority, due_at,
			assigned_to_user_id, created_by_user_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.OrgID,
		task.Title,
		task.Status,
		task.Priority,
		task.DueAt,
		task.AssignedToUserID,
		task.CreatedByUserID,
		task.CreatedAt,
		task.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, task *domain.Task) error {
	if task == nil {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE tasks
		 SET title = ?, status = ?, priority = ?, due_at = ?,
		     assigned_to_user_id = ?, updated_at = ?
		 WHERE id = ? AND org_id = ?`,
		task.Title,
		task.Status,
		task.Priority,
		task.DueAt,
		task.AssignedToUserID,
		task.UpdatedAt,
		task.ID,
		task.OrgID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, orgID int64, id uuid.UUID) error {
	return db.WithContext(ctx).Exec(
		`DELETE FROM tasks WHERE id = ? AND org_id = ?`, id, orgID,
	).Error
}
