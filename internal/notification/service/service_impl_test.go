package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	devicerepo "github.com/taskhub/syncengine/internal/device/repository"
	deviceservice "github.com/taskhub/syncengine/internal/device/service"
	"github.com/taskhub/syncengine/internal/notification/apns"
	"github.com/taskhub/syncengine/internal/notification/domain"
	"github.com/taskhub/syncengine/internal/notification/repository"
	prefrepo "github.com/taskhub/syncengine/internal/preference/repository"
	prefservice "github.com/taskhub/syncengine/internal/preference/service"
	taskdomain "github.com/taskhub/syncengine/internal/task/domain"
)

type testEnv struct {
	svc     *Service
	db      *gorm.DB
	clock   *clock.FakeClock
	gateway *apns.Mock
	devices devicedomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// sqlite has no row locks; strip the clauses so the claim query runs.
	stripForUpdate := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripForUpdate))
	require.NoError(t, db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripForUpdate))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS notification_deliveries (
		id TEXT PRIMARY KEY,
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		device_id TEXT,
		state TEXT NOT NULL,
		dedupe_key TEXT NOT NULL UNIQUE,
		attempts INTEGER NOT NULL DEFAULT 0,
		payload TEXT,
		provider_response TEXT,
		available_at DATETIME NOT NULL,
		lease_until DATETIME,
		lease_owner TEXT NOT NULL DEFAULT '',
		sent_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		token_hash TEXT NOT NULL,
		token_ciphertext TEXT NOT NULL,
		environment TEXT NOT NULL,
		installation_id TEXT,
		app_version TEXT,
		timezone TEXT,
		last_seen_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (token_hash, environment)
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS notification_preferences (
		org_id INTEGER NOT NULL,
		user_id INTEGER NOT NULL,
		timezone TEXT NOT NULL,
		reminders_enabled INTEGER NOT NULL,
		due_soon_offset_minutes INTEGER NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (org_id, user_id)
	)`).Error)
	require.NoError(t, db.Exec(`DELETE FROM notification_deliveries`).Error)
	require.NoError(t, db.Exec(`DELETE FROM devices`).Error)
	require.NoError(t, db.Exec(`DELETE FROM notification_preferences`).Error)

	fake := clock.NewFakeClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC))

	cipher, err := devicedomain.NewTokenCipher("test-key")
	require.NoError(t, err)
	devices := deviceservice.NewService(deviceservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		Repo:   devicerepo.Provide(),
		Cipher: cipher,
	})

	cfg := config.Config{
		Notification: config.NotificationConfig{
			MaxAttempts:            5,
			LeaseSeconds:           60,
			RetryBaseSeconds:       30,
			RetryMaxSeconds:        1800,
			BatchSize:              50,
			DefaultReminderOffsetM: 30,
		},
	}
	prefs := prefservice.NewService(prefservice.Params{
		Config: cfg,
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		Repo:   prefrepo.Provide(),
	})

	gateway := apns.NewMock(zap.NewNop())
	svc := NewService(Params{
		Config:  cfg,
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   fake,
		Repo:    repository.Provide(),
		Devices: devices,
		Prefs:   prefs,
		Gateway: gateway,
	}).(*Service)

	return &testEnv{svc: svc, db: db, clock: fake, gateway: gateway, devices: devices}
}

func (e *testEnv) registerDevice(t *testing.T, orgID, userID int64, token string) *devicedomain.Device {
	t.Helper()
	device, err := e.devices.Register(context.Background(), orgID, userID, devicedomain.RegisterInput{Token: token})
	require.NoError(t, err)
	return device
}

func (e *testEnv) enqueueForDevice(t *testing.T, device *devicedomain.Device, key string) *domain.Delivery {
	t.Helper()
	delivery, err := e.svc.Enqueue(context.Background(), nil, device.OrgID, device.UserID, &device.ID,
		key, domain.Payload{Type: domain.PayloadTaskReminder, Title: "Due soon", Body: "Ship it"}, e.clock.Now())
	require.NoError(t, err)
	return delivery
}

func (e *testEnv) findDelivery(t *testing.T, id uuid.UUID) *domain.Delivery {
	t.Helper()
	var delivery domain.Delivery
	require.NoError(t, e.db.Where("id = ?", id).First(&delivery).Error)
	return &delivery
}

func TestEnqueueDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-dedupe")

	first := env.enqueueForDevice(t, device, "task-reminder:k1:"+device.ID.String())
	second := env.enqueueForDevice(t, device, "task-reminder:k1:"+device.ID.String())
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, env.db.Model(&domain.Delivery{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestProcessBatchSendsPending(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-send")
	delivery := env.enqueueForDevice(t, device, "send-1")

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Claimed)
	assert.Equal(t, 1, counters.Sent)
	assert.Equal(t, []string{"tok-send"}, env.gateway.SentTokens())

	stored := env.findDelivery(t, delivery.ID)
	assert.Equal(t, domain.StateSent, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.Empty(t, stored.LeaseOwner)
	assert.Nil(t, stored.LeaseUntil)
	require.NotNil(t, stored.SentAt)
	assert.Contains(t, string(stored.ProviderResponse), "apns_id")
}

func TestProcessBatchRetriesOnRejection(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-flaky")
	delivery := env.enqueueForDevice(t, device, "retry-1")

	env.gateway.Script("tok-flaky", apns.Result{Status: 500, Reason: "InternalServerError"}, nil)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Retried)

	stored := env.findDelivery(t, delivery.ID)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.Equal(t, 1, stored.Attempts)
	assert.WithinDuration(t, env.clock.Now().Add(30*time.Second), stored.AvailableAt, time.Second)

	// Not due yet, so the next pass claims nothing.
	counters, err = env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Claimed)

	// Once the backoff elapses and the provider recovers, it goes out.
	env.gateway.Script("tok-flaky", apns.Result{OK: true, Status: 200, APNSID: "id-2"}, nil)
	env.clock.Advance(time.Minute)
	counters, err = env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Sent)
	assert.Equal(t, domain.StateSent, env.findDelivery(t, delivery.ID).State)
}

func TestProcessBatchRetriesOnTransportError(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-conn")
	delivery := env.enqueueForDevice(t, device, "transport-1")

	env.gateway.Script("tok-conn", apns.Result{}, errors.New("connection reset"))

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Retried)

	stored := env.findDelivery(t, delivery.ID)
	assert.Equal(t, domain.StateFailed, stored.State)
	assert.Contains(t, string(stored.ProviderResponse), "connection reset")
}

func TestDeadTokenCancelsAndEvictsDevice(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-dead")
	delivery := env.enqueueForDevice(t, device, "dead-1")

	env.gateway.Script("tok-dead", apns.Result{Status: 410, Reason: "Unregistered"}, nil)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Canceled)

	stored := env.findDelivery(t, delivery.ID)
	assert.Equal(t, domain.StateCanceled, stored.State)
	assert.Contains(t, string(stored.ProviderResponse), "Unregistered")

	devices, err := env.devices.ListForUser(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestMissingDeviceCancels(t *testing.T) {
	env := newTestEnv(t)

	delivery, err := env.svc.Enqueue(context.Background(), nil, 1, 100, nil, "no-device",
		domain.Payload{Type: domain.PayloadTaskReminder, Title: "x"}, env.clock.Now())
	require.NoError(t, err)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Canceled)

	stored := env.findDelivery(t, delivery.ID)
	assert.Equal(t, domain.StateCanceled, stored.State)
	assert.Contains(t, string(stored.ProviderResponse), "missing_device")
}

func TestClaimSkipsFutureDeliveries(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-later")

	_, err := env.svc.Enqueue(context.Background(), nil, 1, 100, &device.ID, "later-1",
		domain.Payload{Type: domain.PayloadTaskReminder}, env.clock.Now().Add(time.Hour))
	require.NoError(t, err)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Claimed)

	env.clock.Advance(2 * time.Hour)
	counters, err = env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Sent)
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-stuck")
	delivery := env.enqueueForDevice(t, device, "stuck-1")

	// A crashed worker left the row in sending with a stale lease.
	staleLease := env.clock.Now().Add(-time.Minute)
	require.NoError(t, env.db.Exec(
		`UPDATE notification_deliveries SET state = ?, lease_owner = ?, lease_until = ? WHERE id = ?`,
		domain.StateSending, "worker-dead", staleLease, delivery.ID,
	).Error)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-b", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, counters.Claimed)
	assert.Equal(t, 1, counters.Sent)
}

func TestClaimStopsAtMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-spent")
	delivery := env.enqueueForDevice(t, device, "spent-1")

	require.NoError(t, env.db.Exec(
		`UPDATE notification_deliveries SET state = ?, attempts = ? WHERE id = ?`,
		domain.StateFailed, 5, delivery.ID,
	).Error)

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, counters.Claimed)
	assert.Equal(t, domain.StateFailed, env.findDelivery(t, delivery.ID).State)
}

func TestClaimBatchesAreDisjointAcrossWorkers(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-shared")
	for i := 0; i < 6; i++ {
		env.enqueueForDevice(t, device, fmt.Sprintf("shared-%d", i))
	}

	ctx := context.Background()
	now := env.clock.Now()
	leaseUntil := now.Add(env.svc.lease)

	firstBatch, err := env.svc.repo.ClaimBatch(ctx, env.db, "worker-a", now, leaseUntil, 3, env.svc.maxAttempts)
	require.NoError(t, err)
	secondBatch, err := env.svc.repo.ClaimBatch(ctx, env.db, "worker-b", now, leaseUntil, 3, env.svc.maxAttempts)
	require.NoError(t, err)

	require.Len(t, firstBatch, 3)
	require.Len(t, secondBatch, 3)

	claimed := make(map[uuid.UUID]string, len(firstBatch))
	for _, id := range firstBatch {
		claimed[id] = "worker-a"
	}
	for _, id := range secondBatch {
		owner, dup := claimed[id]
		assert.False(t, dup, "delivery %s claimed by both worker-b and %s", id, owner)
		claimed[id] = "worker-b"
	}
	assert.Len(t, claimed, 6)

	// Everything eligible is leased out; a third worker finds nothing.
	thirdBatch, err := env.svc.repo.ClaimBatch(ctx, env.db, "worker-c", now, leaseUntil, 3, env.svc.maxAttempts)
	require.NoError(t, err)
	assert.Empty(t, thirdBatch)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{6, 16 * time.Minute},
		{7, 30 * time.Minute},
		{50, 30 * time.Minute},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, env.svc.Backoff(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestCancelForTask(t *testing.T) {
	env := newTestEnv(t)
	deviceA := env.registerDevice(t, 1, 100, "tok-cancel-a")
	deviceB := env.registerDevice(t, 1, 100, "tok-cancel-b")
	taskID := uuid.New()

	env.enqueueForDevice(t, deviceA, domain.TaskReminderKey(taskID, deviceA.ID))
	env.enqueueForDevice(t, deviceB, domain.TaskReminderKey(taskID, deviceB.ID))
	other := env.enqueueForDevice(t, deviceA, domain.TaskReminderKey(uuid.New(), deviceA.ID))

	canceled, err := env.svc.CancelForTask(context.Background(), nil, taskID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), canceled)
	assert.Equal(t, domain.StatePending, env.findDelivery(t, other.ID).State)
}

func TestRefreshTaskRemindersFansOutPerDevice(t *testing.T) {
	env := newTestEnv(t)
	deviceA := env.registerDevice(t, 1, 100, "tok-fan-a")
	deviceB := env.registerDevice(t, 1, 100, "tok-fan-b")

	dueAt := env.clock.Now().Add(2 * time.Hour)
	task := &taskdomain.Task{
		ID:              uuid.New(),
		OrgID:           1,
		Title:           "Quarterly report",
		Status:          taskdomain.StatusOpen,
		DueAt:           &dueAt,
		CreatedByUserID: 100,
	}
	require.NoError(t, env.svc.RefreshTaskReminders(context.Background(), task))

	for _, device := range []*devicedomain.Device{deviceA, deviceB} {
		var delivery domain.Delivery
		require.NoError(t, env.db.Where("dedupe_key = ?", domain.TaskReminderKey(task.ID, device.ID)).First(&delivery).Error)
		assert.Equal(t, domain.StatePending, delivery.State)
		// Default offset is 30 minutes before the due time.
		assert.WithinDuration(t, dueAt.Add(-30*time.Minute), delivery.AvailableAt, time.Second)
	}

	// Closing the task cancels the pending reminders.
	task.Status = taskdomain.StatusDone
	require.NoError(t, env.svc.RefreshTaskReminders(context.Background(), task))

	var remaining int64
	require.NoError(t, env.db.Model(&domain.Delivery{}).
		Where("state = ?", domain.StatePending).Count(&remaining).Error)
	assert.Equal(t, int64(0), remaining)
}

func TestRefreshTaskRemindersHonorsPreference(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, 1, 100, "tok-muted")

	require.NoError(t, env.db.Exec(
		`INSERT INTO notification_preferences (org_id, user_id, timezone, reminders_enabled, due_soon_offset_minutes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		1, 100, "UTC", false, 30, env.clock.Now(),
	).Error)

	dueAt := env.clock.Now().Add(time.Hour)
	task := &taskdomain.Task{
		ID:              uuid.New(),
		OrgID:           1,
		Title:           "Muted",
		Status:          taskdomain.StatusOpen,
		DueAt:           &dueAt,
		CreatedByUserID: 100,
	}
	require.NoError(t, env.svc.RefreshTaskReminders(context.Background(), task))

	var count int64
	require.NoError(t, env.db.Model(&domain.Delivery{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestRefreshTaskRemindersSkipsTasksWithoutDueDate(t *testing.T) {
	env := newTestEnv(t)
	env.registerDevice(t, 1, 100, "tok-nodue")

	task := &taskdomain.Task{
		ID:              uuid.New(),
		OrgID:           1,
		Title:           "Someday",
		Status:          taskdomain.StatusOpen,
		CreatedByUserID: 100,
	}
	require.NoError(t, env.svc.RefreshTaskReminders(context.Background(), task))

	var count int64
	require.NoError(t, env.db.Model(&domain.Delivery{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestPurgeFinished(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, 1, 100, "tok-purge")
	delivery := env.enqueueForDevice(t, device, "purge-1")

	counters, err := env.svc.ProcessBatch(context.Background(), "worker-a", 1)
	require.NoError(t, err)
	require.Equal(t, 1, counters.Sent)

	keep := env.enqueueForDevice(t, device, "purge-keep")

	env.clock.Advance(48 * time.Hour)
	removed, err := env.svc.PurgeFinished(context.Background(), env.clock.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	err = env.db.Where("id = ?", delivery.ID).First(&domain.Delivery{}).Error
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	assert.Equal(t, domain.StatePending, env.findDelivery(t, keep.ID).State)
}
