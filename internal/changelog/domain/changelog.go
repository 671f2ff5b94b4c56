package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventType is the stored change classification. Archival is recorded
// distinctly but collapses to a deletion on the wire.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventDeleted  EventType = "deleted"
	EventArchived EventType = "archived"
)

// Wire event types seen by mobile clients.
const (
	WireTaskCreated = "task.created"
	WireTaskUpdated = "task.updated"
	WireTaskDeleted = "task.deleted"
)

// ChangeEvent is one row of the append-only per-tenant change log.
// IDs are snowflakes, so ordering by id matches insertion order
// within a process.
type ChangeEvent struct {
	ID         int64          `gorm:"primaryKey" json:"id"`
	OrgID      int64          `gorm:"column:org_id" json:"org_id"`
	EventType  EventType      `gorm:"column:event_type" json:"event_type"`
	EntityID   *uuid.UUID     `gorm:"column:entity_id" json:"entity_id"`
	Summary    datatypes.JSON `gorm:"column:summary" json:"summary"`
	OccurredAt time.Time      `gorm:"column:occurred_at" json:"occurred_at"`
}

func (ChangeEvent) TableName() string {
	return "change_events"
}

// SyncEvent is the client-facing projection of a ChangeEvent.
type SyncEvent struct {
	Cursor     string         `json:"cursor"`
	Type       string         `json:"type"`
	EntityID   *uuid.UUID     `json:"entity_id"`
	Tombstone  bool           `json:"tombstone"`
	Summary    datatypes.JSON `json:"summary"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Page is one delta sync response page.
type Page struct {
	Events     []SyncEvent `json:"events"`
	NextCursor string      `json:"next_cursor"`
}

var ErrCursorExpired = errors.New("cursor_expired")

// CursorExpiredError optionally carries the oldest cursor still served,
// so clients resyncing can tell how far back the log goes.
type CursorExpiredError struct {
	OldestCursor string
}

func (e *CursorExpiredError) Error() string {
	return "cursor_expired"
}

func (e *CursorExpiredError) Is(target error) bool {
	return target == ErrCursorExpired
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *ChangeEvent) error
	OldestRetainedID(ctx context.Context, db *gorm.DB, orgID int64) (int64, bool, error)
	ListAfter(ctx context.Context, db *gorm.DB, orgID, afterID int64, limit int) ([]ChangeEvent, error)
	DeleteOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)
}

type Service interface {
	// Append writes a change event on the given transaction handle so the
	// event commits atomically with the mutation it describes.
	Append(ctx context.Context, tx *gorm.DB, orgID int64, eventType EventType, entityID *uuid.UUID, summary map[string]any) (*ChangeEvent, error)

	// Page serves one delta sync page for the tenant.
	Page(ctx context.Context, orgID int64, cursorToken string, limit int) (Page, error)

	// PurgeOlderThan removes events past the retention window.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
