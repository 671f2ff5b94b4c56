package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	"github.com/taskhub/syncengine/internal/clock"
	idempotencydomain "github.com/taskhub/syncengine/internal/idempotency/domain"
	notificationdomain "github.com/taskhub/syncengine/internal/notification/domain"
	obsmetrics "github.com/taskhub/syncengine/internal/observability/metrics"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB              *gorm.DB
	Log             *zap.Logger
	Clock           clock.Clock
	NotificationSvc notificationdomain.Service
	ChangelogSvc    changelogdomain.Service
	IdempotencySvc  idempotencydomain.Service
	Config          Config `optional:"true"`
}

type Scheduler struct {
	db              *gorm.DB
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	workerID        string
	notificationSvc notificationdomain.Service
	changelogSvc    changelogdomain.Service
	idempotencySvc  idempotencydomain.Service
	trigger         chan int
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.NotificationSvc == nil || p.ChangelogSvc == nil || p.IdempotencySvc == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:              p.DB,
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             cfg,
		clock:           p.Clock,
		workerID:        newWorkerID(),
		notificationSvc: p.NotificationSvc,
		changelogSvc:    p.ChangelogSvc,
		idempotencySvc:  p.IdempotencySvc,
		trigger:         make(chan int, cfg.TriggerBuffer),
	}, nil
}

// newWorkerID makes lease owners distinguishable across restarts and
// replicas.
func newWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "syncengine"
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	return host + "-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func (s *Scheduler) WorkerID() string {
	return s.workerID
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"process_notifications", s.isJobEnabled("process_notifications"), func(ctx context.Context) error {
			return s.runJob(ctx, "process_notifications", 30*time.Second, s.ProcessNotificationsJob)
		}},
		{"purge_change_events", s.isJobEnabled("purge_change_events"), func(ctx context.Context) error {
			return s.runJob(ctx, "purge_change_events", 30*time.Second, s.PurgeChangeEventsJob)
		}},
		{"purge_idempotency", s.isJobEnabled("purge_idempotency"), func(ctx context.Context) error {
			return s.runJob(ctx, "purge_idempotency", 30*time.Second, s.PurgeIdempotencyJob)
		}},
		{"purge_deliveries", s.isJobEnabled("purge_deliveries"), func(ctx context.Context) error {
			return s.runJob(ctx, "purge_deliveries", 30*time.Second, s.PurgeDeliveriesJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case batch := <-s.trigger:
			// A mutation asked for an early dispatch pass; drain any
			// piled-up triggers so one pass serves them all.
			batch = s.drainTriggers(batch)
			if err := s.runJob(ctx, "process_notifications", 30*time.Second, func(jobCtx context.Context) error {
				return s.processNotifications(jobCtx, batch)
			}); err != nil {
				s.log.Warn("triggered dispatch failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) drainTriggers(batch int) int {
	for {
		select {
		case extra := <-s.trigger:
			if extra > batch {
				batch = extra
			}
		default:
			return batch
		}
	}
}

// TriggerProcess requests a dispatch pass outside the regular interval.
// Returns false when the trigger buffer is full, which is fine: a pass
// is already owed.
func (s *Scheduler) TriggerProcess(batchSize int) bool {
	select {
	case s.trigger <- batchSize:
		return true
	default:
		return false
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) ProcessNotificationsJob(ctx context.Context) error {
	return s.processNotifications(ctx, s.cfg.BatchSize)
}

func (s *Scheduler) processNotifications(ctx context.Context, batchSize int) error {
	if batchSize <= 0 || batchSize > s.cfg.BatchSize {
		batchSize = s.cfg.BatchSize
	}
	schedMetrics := obsmetrics.Scheduler()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}

		counters, err := s.notificationSvc.ProcessBatch(ctx, s.workerID, batchSize)
		if err != nil {
			schedMetrics.IncBatchDeferred("process_notifications", obsmetrics.ClassifySchedulerJobReason(err))
			return errors.Join(jobErr, err)
		}
		if counters.Claimed == 0 {
			schedMetrics.IncBatchDeferred("process_notifications", obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
			break
		}

		schedMetrics.AddBatchProcessed("process_notifications", "deliveries", counters.Claimed)
		s.log.Info("dispatch pass",
			zap.Int("claimed", counters.Claimed),
			zap.Int("sent", counters.Sent),
			zap.Int("retried", counters.Retried),
			zap.Int("failed", counters.Failed),
			zap.Int("canceled", counters.Canceled),
			zap.Int("skipped", counters.Skipped),
		)

		if counters.Claimed < batchSize {
			break
		}
	}

	return jobErr
}

func (s *Scheduler) PurgeChangeEventsJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.EventRetention)
	removed, err := s.changelogSvc.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("purge_change_events", "change_events", int(removed))
	}
	return nil
}

func (s *Scheduler) PurgeIdempotencyJob(ctx context.Context) error {
	removed, err := s.idempotencySvc.PurgeExpired(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("purge_idempotency", "idempotency_records", int(removed))
	}
	return nil
}

func (s *Scheduler) PurgeDeliveriesJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.DeliveryRetention)
	removed, err := s.notificationSvc.PurgeFinished(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		obsmetrics.Scheduler().AddBatchProcessed("purge_deliveries", "notification_deliveries", int(removed))
	}
	return nil
}
