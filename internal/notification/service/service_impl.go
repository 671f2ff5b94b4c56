package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	"github.com/taskhub/syncengine/internal/notification/apns"
	"github.com/taskhub/syncengine/internal/notification/domain"
	obsmetrics "github.com/taskhub/syncengine/internal/observability/metrics"
	prefdomain "github.com/taskhub/syncengine/internal/preference/domain"
	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
	"github.com/taskhub/syncengine/pkg/db"
)

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    domain.Repository
	Devices devicedomain.Service
	Prefs   prefdomain.Service
	Gateway apns.Gateway
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	devices devicedomain.Service
	prefs   prefdomain.Service
	gateway apns.Gateway
	metrics *obsmetrics.Metrics

	maxAttempts int
	lease       time.Duration
	retryBase   time.Duration
	retryMax    time.Duration
}

func NewService(p Params) domain.Service {
	cfg := p.Config.Notification
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	lease := time.Duration(cfg.LeaseSeconds) * time.Second
	if lease <= 0 {
		lease = time.Minute
	}
	retryBase := time.Duration(cfg.RetryBaseSeconds) * time.Second
	if retryBase <= 0 {
		retryBase = 30 * time.Second
	}
	retryMax := time.Duration(cfg.RetryMaxSeconds) * time.Second
	if retryMax < retryBase {
		retryMax = 30 * time.Minute
	}

	return &Service{
		db:          p.DB,
		log:         p.Log.Named("notification.service"),
		clock:       p.Clock,
		repo:        p.Repo,
		devices:     p.Devices,
		prefs:       p.Prefs,
		gateway:     p.Gateway,
		metrics:     p.Metrics,
		maxAttempts: maxAttempts,
		lease:       lease,
		retryBase:   retryBase,
		retryMax:    retryMax,
	}
}

func (s *Service) Enqueue(ctx context.Context, gdb *gorm.DB, orgID, userID int64, deviceID *uuid.UUID, dedupeKey string, payload domain.Payload, availableAt time.Time) (*domain.Delivery, error) {
	if gdb == nil {
		gdb = s.db
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if availableAt.Before(now) {
		availableAt = now
	}

	delivery := &domain.Delivery{
		ID:          uuid.New(),
		OrgID:       orgID,
		UserID:      userID,
		DeviceID:    deviceID,
		State:       domain.StatePending,
		DedupeKey:   dedupeKey,
		Payload:     datatypes.JSON(encoded),
		AvailableAt: availableAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, gdb, delivery); err != nil {
		if db.IsDuplicateKeyErr(err) {
			// Someone already queued this key; the existing row wins.
			existing, findErr := s.repo.FindByDedupeKey(ctx, gdb, dedupeKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return delivery, nil
}

func (s *Service) CancelForTask(ctx context.Context, gdb *gorm.DB, taskID uuid.UUID) (int64, error) {
	if gdb == nil {
		gdb = s.db
	}
	return s.repo.CancelByDedupePrefix(ctx, gdb, domain.TaskReminderPrefix(taskID), s.clock.Now())
}

func (s *Service) RefreshTaskReminders(ctx context.Context, task *taskdomain.Task) error {
	if task == nil {
		return nil
	}

	if _, err := s.CancelForTask(ctx, s.db, task.ID); err != nil {
		return err
	}

	if task.DueAt == nil || task.Status != taskdomain.StatusOpen {
		return nil
	}

	owner := task.Owner()
	pref, err := s.prefs.Get(ctx, task.OrgID, owner)
	if err != nil {
		return err
	}
	if !pref.RemindersEnabled {
		return nil
	}

	availableAt := task.DueAt.Add(-pref.DueSoonOffset())
	devices, err := s.devices.ListForUser(ctx, task.OrgID, owner)
	if err != nil {
		return err
	}

	payload := domain.Payload{
		Type:   domain.PayloadTaskReminder,
		Title:  "Task due soon",
		Body:   task.Title,
		TaskID: &task.ID,
		DueAt:  task.DueAt,
	}
	for i := range devices {
		device := devices[i]
		key := domain.TaskReminderKey(task.ID, device.ID)
		if _, err := s.Enqueue(ctx, s.db, task.OrgID, owner, &device.ID, key, payload, availableAt); err != nil {
			s.log.Warn("reminder enqueue failed",
				zap.String("dedupe_key", key),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Service) ProcessBatch(ctx context.Context, workerID string, batchSize int) (domain.Counters, error) {
	now := s.clock.Now()
	leaseUntil := now.Add(s.lease)

	ids, err := s.repo.ClaimBatch(ctx, s.db, workerID, now, leaseUntil, batchSize, s.maxAttempts)
	if err != nil {
		return domain.Counters{}, err
	}

	counters := domain.Counters{Claimed: len(ids)}
	s.metrics.RecordClaimBatch(ctx, len(ids))

	for _, id := range ids {
		s.dispatchOne(ctx, workerID, id, &counters)
	}

	// Safety pass: anything still holding our lease was not finalized
	// (panic, crash mid-branch); put it back so the next sweep retries.
	if released, err := s.repo.ReleaseLeases(ctx, s.db, ids, workerID, s.clock.Now()); err != nil {
		s.log.Warn("lease release failed", zap.Error(err))
	} else if released > 0 {
		s.log.Warn("released unfinalized deliveries", zap.Int64("count", released))
	}

	return counters, nil
}

func (s *Service) dispatchOne(ctx context.Context, workerID string, id uuid.UUID, counters *domain.Counters) {
	now := s.clock.Now()

	delivery, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		s.log.Warn("delivery re-read failed", zap.String("delivery_id", id.String()), zap.Error(err))
		counters.Skipped++
		return
	}
	if delivery == nil || delivery.State != domain.StateSending || delivery.LeaseOwner != workerID {
		// Canceled or re-leased between claim and dispatch.
		counters.Skipped++
		return
	}

	if delivery.DeviceID == nil {
		s.finalizeCanceled(ctx, delivery, workerID, providerJSON(map[string]any{"reason": "missing_device"}), counters)
		return
	}

	device, err := s.devices.Get(ctx, *delivery.DeviceID)
	if err != nil {
		if errors.Is(err, devicedomain.ErrDeviceNotFound) {
			s.finalizeCanceled(ctx, delivery, workerID, providerJSON(map[string]any{"reason": "missing_device"}), counters)
			return
		}
		s.finalizeRetry(ctx, delivery, workerID, err, counters)
		return
	}

	token, err := s.devices.Token(device)
	if err != nil {
		s.finalizeRetry(ctx, delivery, workerID, err, counters)
		return
	}

	var payload domain.Payload
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		s.finalizeCanceled(ctx, delivery, workerID, providerJSON(map[string]any{"reason": "malformed_payload"}), counters)
		return
	}

	// The push happens outside any transaction; only the row finalize
	// below touches the database again.
	result, err := s.gateway.Send(ctx, token, payload)
	if err != nil {
		s.finalizeRetry(ctx, delivery, workerID, err, counters)
		return
	}

	switch {
	case result.OK:
		response := providerJSON(map[string]any{"status": result.Status, "apns_id": result.APNSID})
		if ok, err := s.repo.MarkSent(ctx, s.db, delivery.ID, workerID, now, response); err != nil || !ok {
			s.logFinalizeMiss("sent", delivery.ID, err)
			counters.Skipped++
			return
		}
		counters.Sent++
		s.metrics.RecordDelivery(ctx, "sent")

	case apns.IsDeadToken(result):
		response := providerJSON(map[string]any{"status": result.Status, "reason": result.Reason})
		s.finalizeCanceled(ctx, delivery, workerID, response, counters)
		// The token is gone for good; drop the device so future
		// reminders skip it.
		if err := s.devices.Delete(ctx, *delivery.DeviceID); err != nil {
			s.log.Warn("dead device cleanup failed",
				zap.String("device_id", delivery.DeviceID.String()),
				zap.Error(err),
			)
		}

	default:
		retryable := delivery.Attempts < s.maxAttempts
		response := providerJSON(map[string]any{
			"status":    result.Status,
			"reason":    result.Reason,
			"retryable": retryable,
		})
		availableAt := now.Add(s.Backoff(delivery.Attempts))
		if ok, err := s.repo.MarkFailed(ctx, s.db, delivery.ID, workerID, now, availableAt, response); err != nil || !ok {
			s.logFinalizeMiss("failed", delivery.ID, err)
			counters.Skipped++
			return
		}
		if retryable {
			counters.Retried++
			s.metrics.RecordDelivery(ctx, "retried")
		} else {
			counters.Failed++
			s.metrics.RecordDelivery(ctx, "failed")
		}
	}
}

func (s *Service) finalizeCanceled(ctx context.Context, delivery *domain.Delivery, workerID string, response datatypes.JSON, counters *domain.Counters) {
	if ok, err := s.repo.MarkCanceled(ctx, s.db, delivery.ID, workerID, s.clock.Now(), response); err != nil || !ok {
		s.logFinalizeMiss("canceled", delivery.ID, err)
		counters.Skipped++
		return
	}
	counters.Canceled++
	s.metrics.RecordDelivery(ctx, "canceled")
}

func (s *Service) finalizeRetry(ctx context.Context, delivery *domain.Delivery, workerID string, cause error, counters *domain.Counters) {
	now := s.clock.Now()
	retryable := delivery.Attempts < s.maxAttempts
	response := providerJSON(map[string]any{
		"error":     cause.Error(),
		"retryable": retryable,
	})
	availableAt := now.Add(s.Backoff(delivery.Attempts))
	if ok, err := s.repo.MarkFailed(ctx, s.db, delivery.ID, workerID, now, availableAt, response); err != nil || !ok {
		s.logFinalizeMiss("failed", delivery.ID, err)
		counters.Skipped++
		return
	}
	if retryable {
		counters.Retried++
		s.metrics.RecordDelivery(ctx, "retried")
	} else {
		counters.Failed++
		s.metrics.RecordDelivery(ctx, "failed")
	}
}

func (s *Service) logFinalizeMiss(target string, id uuid.UUID, err error) {
	if err != nil {
		s.log.Warn("delivery finalize failed",
			zap.String("target_state", target),
			zap.String("delivery_id", id.String()),
			zap.Error(err),
		)
		return
	}
	s.log.Debug("delivery finalize lost lease",
		zap.String("target_state", target),
		zap.String("delivery_id", id.String()),
	)
}

// Backoff doubles per attempt from the base, capped at the maximum.
func (s *Service) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := s.retryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= s.retryMax {
			return s.retryMax
		}
	}
	if delay > s.retryMax {
		return s.retryMax
	}
	return delay
}

func (s *Service) PurgeFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	removed, err := s.repo.DeleteFinishedBefore(ctx, s.db, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.log.Info("purged finished deliveries",
			zap.Int64("removed", removed),
			zap.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}

func providerJSON(value map[string]any) datatypes.JSON {
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return datatypes.JSON(encoded)
}
