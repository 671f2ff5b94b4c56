package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/internal/idempotency/domain"
	"github.com/taskhub/syncengine/pkg/db"
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
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node
	repo  domain.Repository
	ttl   time.Duration
}

func NewService(p Params) domain.Service {
	ttlHours := p.Config.Idempotency.TTLHours
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("idempotency.service"),
		clock: p.Clock,
		genID: p.GenID,
		repo:  p.Repo,
		ttl:   time.Duration(ttlHours) * time.Hour,
	}
}

func (s *Service) ExecuteOnce(ctx context.Context, actorID int64, endpoint, key string, payload []byte, action func(ctx context.Context) (domain.Response, error)) (domain.Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Result{}, domain.ErrMissingKey
	}

	hash := RequestHash(payload)
	now := s.clock.Now()

	record, err := s.repo.Find(ctx, s.db, actorID, endpoint, key)
	if err != nil {
		return domain.Result{}, err
	}
	if record != nil {
		if record.ExpiresAt.After(now) {
			return s.resolve(record, hash)
		}
		// Expired row under the same key: clear it so the fresh attempt
		// can claim the unique constraint.
		if err := s.repo.Delete(ctx, s.db, record.ID); err != nil {
			return domain.Result{}, err
		}
	}

	resp, err := action(ctx)
	if err != nil {
		return domain.Result{Response: resp}, err
	}

	// Server errors stay unrecorded so the client retry re-runs the action.
	if resp.Status >= http.StatusInternalServerError {
		return domain.Result{Response: resp}, nil
	}

	stored := &domain.Record{
		ID:             s.genID.Generate().Int64(),
		ActorID:        actorID,
		Endpoint:       endpoint,
		IdempotencyKey: key,
		RequestHash:    hash,
		ResponseStatus: resp.Status,
		ResponseBody:   datatypes.JSON(resp.Body),
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if insertErr := s.repo.Insert(ctx, s.db, stored); insertErr != nil {
		if db.IsDuplicateKeyErr(insertErr) {
			// Lost a concurrent insert race. The other request's outcome
			// is authoritative for this key.
			winner, findErr := s.repo.Find(ctx, s.db, actorID, endpoint, key)
			if findErr != nil {
				return domain.Result{}, findErr
			}
			if winner != nil {
				return s.resolve(winner, hash)
			}
		}
		s.log.Warn("idempotency record not persisted",
			zap.String("endpoint", endpoint),
			zap.Error(insertErr),
		)
	}

	return domain.Result{Response: resp}, nil
}

func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	removed, err := s.repo.DeleteExpired(ctx, s.db, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("purged idempotency records", zap.Int64("removed", removed))
	}
	return removed, nil
}

func (s *Service) resolve(record *domain.Record, hash string) (domain.Result, error) {
	if record.RequestHash != hash {
		return domain.Result{}, domain.ErrConflict
	}
	return domain.Result{
		Response: domain.Response{
			Status: record.ResponseStatus,
			Body:   []byte(record.ResponseBody),
		},
		Replayed: true,
	}, nil
}

// RequestHash hashes the canonical JSON form of the payload so key
// ordering and whitespace differences do not break replay matching.
// Non-JSON payloads hash as raw bytes.
func RequestHash(payload []byte) string {
	canonical := payload
	if len(payload) > 0 {
		decoder := json.NewDecoder(bytes.NewReader(payload))
		decoder.UseNumber()
		var value any
		if err := decoder.Decode(&value); err == nil {
			if encoded, err := json.Marshal(value); err == nil {
				canonical = encoded
			}
		}
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
