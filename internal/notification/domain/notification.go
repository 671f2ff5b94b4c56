package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
)

type State string

const (
	StatePending  State = "pending"
	StateSending  State = "sending"
	StateSent     State = "sent"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
)

// IsTerminal reports whether the state admits no further transitions.
// Failed is terminal only once attempts are exhausted; rows parked in
// failed with a future available_at are retry candidates.
func (s State) IsTerminal() bool {
	return s == StateSent || s == StateCanceled
}

// Payload variants.
const (
	PayloadTaskReminder = "task_reminder"
)

// Payload is the notification content, stored as tagged JSON.
type Payload struct {
	Type   string     `json:"type"`
	Title  string     `json:"title"`
	Body   string     `json:"body"`
	TaskID *uuid.UUID `json:"task_id,omitempty"`
	DueAt  *time.Time `json:"due_at,omitempty"`
	Badge  *int       `json:"badge,omitempty"`
}

// Delivery is one queued notification for one device. dedupe_key is
// unique, making Enqueue idempotent.
type Delivery struct {
	ID               uuid.UUID      `gorm:"primaryKey" json:"id"`
	OrgID            int64          `gorm:"column:org_id" json:"org_id"`
	UserID           int64          `gorm:"column:user_id" json:"user_id"`
	DeviceID         *uuid.UUID     `gorm:"column:device_id" json:"device_id"`
	State            State          `gorm:"column:state" json:"state"`
	DedupeKey        string         `gorm:"column:dedupe_key" json:"dedupe_key"`
	Attempts         int            `gorm:"column:attempts" json:"attempts"`
	Payload          datatypes.JSON `gorm:"column:payload" json:"payload"`
	ProviderResponse datatypes.JSON `gorm:"column:provider_response" json:"provider_response"`
	AvailableAt      time.Time      `gorm:"column:available_at" json:"available_at"`
	LeaseUntil       *time.Time     `gorm:"column:lease_until" json:"lease_until"`
	LeaseOwner       string         `gorm:"column:lease_owner" json:"lease_owner"`
	SentAt           *time.Time     `gorm:"column:sent_at" json:"sent_at"`
	CreatedAt        time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Delivery) TableName() string {
	return "notification_deliveries"
}

// TaskReminderKey builds the dedupe key for one task on one device.
func TaskReminderKey(taskID, deviceID uuid.UUID) string {
	return fmt.Sprintf("task-reminder:%s:%s", taskID, deviceID)
}

// TaskReminderPrefix matches every device's reminder for one task.
func TaskReminderPrefix(taskID uuid.UUID) string {
	return fmt.Sprintf("task-reminder:%s:", taskID)
}

// Counters summarizes one dispatch pass.
type Counters struct {
	Claimed  int `json:"claimed"`
	Sent     int `json:"sent"`
	Retried  int `json:"retried"`
	Failed   int `json:"failed"`
	Canceled int `json:"canceled"`
	Skipped  int `json:"skipped"`
}

func (c Counters) Total() int {
	return c.Sent + c.Retried + c.Failed + c.Canceled + c.Skipped
}

var ErrDeliveryNotFound = errors.New("delivery_not_found")

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, delivery *Delivery) error
	FindByID(ctx context.Context, db *gorm.DB, id uuid.UUID) (*Delivery, error)
	FindByDedupeKey(ctx context.Context, db *gorm.DB, key string) (*Delivery, error)

	// ClaimBatch selects eligible rows with FOR UPDATE SKIP LOCKED and
	// moves them to sending under the worker's lease. Sending rows with
	// an expired lease are reclaimable. Runs inside its own short
	// transaction.
	ClaimBatch(ctx context.Context, db *gorm.DB, workerID string, now, leaseUntil time.Time, limit, maxAttempts int) ([]uuid.UUID, error)

	CancelByDedupePrefix(ctx context.Context, db *gorm.DB, prefix string, now time.Time) (int64, error)

	MarkSent(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now time.Time, providerResponse datatypes.JSON) (bool, error)
	MarkCanceled(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now time.Time, providerResponse datatypes.JSON) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id uuid.UUID, workerID string, now, availableAt time.Time, providerResponse datatypes.JSON) (bool, error)

	// ReleaseLeases clears any lease this worker still holds on the
	// given rows, returning stuck sending rows to pending.
	ReleaseLeases(ctx context.Context, db *gorm.DB, ids []uuid.UUID, workerID string, now time.Time) (int64, error)

	DeleteFinishedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

type Service interface {
	// Enqueue inserts a delivery unless the dedupe key already exists.
	Enqueue(ctx context.Context, db *gorm.DB, orgID, userID int64, deviceID *uuid.UUID, dedupeKey string, payload Payload, availableAt time.Time) (*Delivery, error)

	// CancelForTask cancels every non-terminal reminder for the task.
	CancelForTask(ctx context.Context, db *gorm.DB, taskID uuid.UUID) (int64, error)

	// RefreshTaskReminders cancels and, when the task still warrants a
	// reminder, re-enqueues one per registered device of the owner.
	RefreshTaskReminders(ctx context.Context, task *taskdomain.Task) error

	// ProcessBatch claims up to batchSize deliveries and dispatches them.
	ProcessBatch(ctx context.Context, workerID string, batchSize int) (Counters, error)

	// Backoff returns the retry delay after the given attempt count.
	Backoff(attempts int) time.Duration

	PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error)
}
