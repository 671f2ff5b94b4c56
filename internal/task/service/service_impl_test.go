package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	changelogdomain "github.com/taskhub/syncengine/internal/changelog/domain"
	changelogrepo "github.com/taskhub/syncengine/internal/changelog/repository"
	changelogservice "github.com/taskhub/syncengine/internal/changelog/service"
	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	devicedomain "github.com/taskhub/syncengine/internal/device/domain"
	devicerepo "github.com/taskhub/syncengine/internal/device/repository"
	deviceservice "github.com/taskhub/syncengine/internal/device/service"
	"github.com/taskhub/syncengine/internal/notification/apns"
	notificationdomain "github.com/taskhub/syncengine/internal/notification/domain"
	notificationrepo "github.com/taskhub/syncengine/internal/notification/repository"
	notificationservice "github.com/taskhub/syncengine/internal/notification/service"
	prefrepo "github.com/taskhub/syncengine/internal/preference/repository"
	prefservice "github.com/taskhub/syncengine/internal/preference/service"
	"github.com/taskhub/syncengine/internal/task/domain"
	"github.com/taskhub/syncengine/internal/task/repository"
)

type testEnv struct {
	svc     *Service
	db      *gorm.DB
	clock   *clock.FakeClock
	devices devicedomain.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		org_id INTEGER NOT NULL,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		due_at DATETIME,
		assigned_to_user_id INTEGER,
		created_by_user_id INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`).Error)
	require.NoError(t, db.Exec(`CREATE TABLE IF NOT EXISTS change_events (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		entity_id TEXT,
		summary TEXT,
		occurred_at DATETIME NOT NULL
	)`).Error)
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
	for _, table := range []string{"tasks", "change_events", "notification_deliveries", "devices", "notification_preferences"} {
		require.NoError(t, db.Exec(`DELETE FROM `+table).Error)
	}

	fake := clock.NewFakeClock(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	cfg := config.Config{
		Sync: config.SyncConfig{MaxPageSize: 500, DefaultPageSize: 100, EventRetentionDays: 30},
		Notification: config.NotificationConfig{
			MaxAttempts:            5,
			LeaseSeconds:           60,
			RetryBaseSeconds:       30,
			RetryMaxSeconds:        1800,
			DefaultReminderOffsetM: 30,
		},
	}

	changelog := changelogservice.NewService(changelogservice.Params{
		Config: cfg,
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		GenID:  node,
		Repo:   changelogrepo.Provide(),
	})

	cipher, err := devicedomain.NewTokenCipher("test-key")
	require.NoError(t, err)
	devices := deviceservice.NewService(deviceservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		Repo:   devicerepo.Provide(),
		Cipher: cipher,
	})

	prefs := prefservice.NewService(prefservice.Params{
		Config: cfg,
		DB:     db,
		Log:    zap.NewNop(),
		Clock:  fake,
		Repo:   prefrepo.Provide(),
	})

	notifications := notificationservice.NewService(notificationservice.Params{
		Config:  cfg,
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   fake,
		Repo:    notificationrepo.Provide(),
		Devices: devices,
		Prefs:   prefs,
		Gateway: apns.NewMock(zap.NewNop()),
	})

	svc := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Repo:          repository.Provide(),
		Changelog:     changelog,
		Notifications: notifications,
	}).(*Service)

	return &testEnv{svc: svc, db: db, clock: fake, devices: devices}
}

func (e *testEnv) lastEvent(t *testing.T) *changelogdomain.ChangeEvent {
	t.Helper()
	var event changelogdomain.ChangeEvent
	require.NoError(t, e.db.Order("id desc").First(&event).Error)
	return &event
}

func (e *testEnv) pendingReminders(t *testing.T) []notificationdomain.Delivery {
	t.Helper()
	var deliveries []notificationdomain.Delivery
	require.NoError(t, e.db.Where("state = ?", notificationdomain.StatePending).Find(&deliveries).Error)
	return deliveries
}

func TestCreateAppendsEventAndSchedulesReminder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.devices.Register(context.Background(), 1, 100, devicedomain.RegisterInput{Token: "tok-create"})
	require.NoError(t, err)

	dueAt := env.clock.Now().Add(3 * time.Hour)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{
		Title: "  Write release notes  ",
		DueAt: &dueAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "Write release notes", task.Title)
	assert.Equal(t, domain.StatusOpen, task.Status)

	event := env.lastEvent(t)
	assert.Equal(t, changelogdomain.EventCreated, event.EventType)
	require.NotNil(t, event.EntityID)
	assert.Equal(t, task.ID, *event.EntityID)

	reminders := env.pendingReminders(t)
	require.Len(t, reminders, 1)
	assert.WithinDuration(t, dueAt.Add(-30*time.Minute), reminders[0].AvailableAt, time.Second)
}

func TestCreateRequiresTitle(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "   "})
	assert.ErrorIs(t, err, domain.ErrTitleRequired)

	var count int64
	require.NoError(t, env.db.Model(&changelogdomain.ChangeEvent{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestUpdateAppendsUpdatedEvent(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Draft"})
	require.NoError(t, err)

	title := "Final"
	updated, err := env.svc.Update(context.Background(), 1, 100, task.ID, domain.UpdateInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "Final", updated.Title)

	event := env.lastEvent(t)
	assert.Equal(t, changelogdomain.EventUpdated, event.EventType)
}

func TestArchiveEmitsArchivedEventAndCancelsReminders(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.devices.Register(context.Background(), 1, 100, devicedomain.RegisterInput{Token: "tok-arch"})
	require.NoError(t, err)

	dueAt := env.clock.Now().Add(time.Hour)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Old", DueAt: &dueAt})
	require.NoError(t, err)
	require.Len(t, env.pendingReminders(t), 1)

	archived := domain.StatusArchived
	_, err = env.svc.Update(context.Background(), 1, 100, task.ID, domain.UpdateInput{Status: &archived})
	require.NoError(t, err)

	event := env.lastEvent(t)
	assert.Equal(t, changelogdomain.EventArchived, event.EventType)
	assert.Empty(t, env.pendingReminders(t))
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Check"})
	require.NoError(t, err)

	bogus := domain.Status("paused")
	_, err = env.svc.Update(context.Background(), 1, 100, task.ID, domain.UpdateInput{Status: &bogus})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestUpdateMissingTask(t *testing.T) {
	env := newTestEnv(t)

	title := "ghost"
	_, err := env.svc.Update(context.Background(), 1, 100, uuid.New(), domain.UpdateInput{Title: &title})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestUpdateScopedToOrg(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Mine"})
	require.NoError(t, err)

	title := "theirs"
	_, err = env.svc.Update(context.Background(), 2, 100, task.ID, domain.UpdateInput{Title: &title})
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestClearDueAtDropsReminder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.devices.Register(context.Background(), 1, 100, devicedomain.RegisterInput{Token: "tok-clear"})
	require.NoError(t, err)

	dueAt := env.clock.Now().Add(time.Hour)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Due", DueAt: &dueAt})
	require.NoError(t, err)
	require.Len(t, env.pendingReminders(t), 1)

	updated, err := env.svc.Update(context.Background(), 1, 100, task.ID, domain.UpdateInput{ClearDueAt: true})
	require.NoError(t, err)
	assert.Nil(t, updated.DueAt)
	assert.Empty(t, env.pendingReminders(t))
}

func TestDeleteEmitsDeletedEventAndCancels(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.devices.Register(context.Background(), 1, 100, devicedomain.RegisterInput{Token: "tok-del"})
	require.NoError(t, err)

	dueAt := env.clock.Now().Add(time.Hour)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Gone", DueAt: &dueAt})
	require.NoError(t, err)

	require.NoError(t, env.svc.Delete(context.Background(), 1, 100, task.ID))

	event := env.lastEvent(t)
	assert.Equal(t, changelogdomain.EventDeleted, event.EventType)
	assert.Empty(t, env.pendingReminders(t))

	_, err = env.svc.Get(context.Background(), 1, task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)

	err = env.svc.Delete(context.Background(), 1, 100, task.ID)
	assert.ErrorIs(t, err, domain.ErrTaskNotFound)
}

func TestReassignmentMovesReminderToNewOwner(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.devices.Register(context.Background(), 1, 200, devicedomain.RegisterInput{Token: "tok-assignee"})
	require.NoError(t, err)

	dueAt := env.clock.Now().Add(time.Hour)
	task, err := env.svc.Create(context.Background(), 1, 100, domain.CreateInput{Title: "Handoff", DueAt: &dueAt})
	require.NoError(t, err)
	// Creator has no device, so nothing is queued yet.
	require.Empty(t, env.pendingReminders(t))

	assignee := int64(200)
	_, err = env.svc.Update(context.Background(), 1, 100, task.ID, domain.UpdateInput{AssignedToUserID: &assignee})
	require.NoError(t, err)

	reminders := env.pendingReminders(t)
	require.Len(t, reminders, 1)
	assert.Equal(t, int64(200), reminders[0].UserID)
}
