package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Record stores the outcome of a completed mutating request so a retry
// with the same key replays the original response byte for byte.
type Record struct {
	ID             int64          `gorm:"primaryKey"`
	ActorID        int64          `gorm:"column:actor_id"`
	Endpoint       string         `gorm:"column:endpoint"`
	IdempotencyKey string         `gorm:"column:idempotency_key"`
	RequestHash    string         `gorm:"column:request_hash"`
	ResponseStatus int            `gorm:"column:response_status"`
	ResponseBody   datatypes.JSON `gorm:"column:response_body"`
	CreatedAt      time.Time      `gorm:"column:created_at"`
	ExpiresAt      time.Time      `gorm:"column:expires_at"`
}

func (Record) TableName() string {
	return "idempotency_records"
}

// Response is the replayable part of a handler result.
type Response struct {
	Status int
	Body   []byte
}

// Replayed marks responses served from the store rather than the action.
type Result struct {
	Response
	Replayed bool
}

var (
	ErrMissingKey = errors.New("idempotency_key_required")
	ErrConflict   = errors.New("idempotency_conflict")
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, actorID int64, endpoint, key string) (*Record, error)
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	Delete(ctx context.Context, db *gorm.DB, id int64) error
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

type Service interface {
	// ExecuteOnce runs action at most once per (actor, endpoint, key).
	// Replays return the stored response; a reused key with a different
	// payload returns ErrConflict.
	ExecuteOnce(ctx context.Context, actorID int64, endpoint, key string, payload []byte, action func(ctx context.Context) (Response, error)) (Result, error)

	// PurgeExpired removes records past their TTL.
	PurgeExpired(ctx context.Context) (int64, error)
}
