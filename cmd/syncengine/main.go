package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/changelog"
	"github.com/taskhub/syncengine/internal/clock"
	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/internal/device"
	"github.com/taskhub/syncengine/internal/idempotency"
	"github.com/taskhub/syncengine/internal/migration"
	"github.com/taskhub/syncengine/internal/notification"
	"github.com/taskhub/syncengine/internal/observability"
	"github.com/taskhub/syncengine/internal/preference"
	"github.com/taskhub/syncengine/internal/ratelimit"
	"github.com/taskhub/syncengine/internal/scheduler"
	"github.com/taskhub/syncengine/internal/server"
	"github.com/taskhub/syncengine/internal/task"
	"github.com/taskhub/syncengine/pkg/db"
)

func main() {
	app := fx.New(
		// Core infrastructure
		fx.Provide(config.Load),
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		changelog.Module,
		idempotency.Module,
		device.Module,
		preference.Module,
		task.Module,
		notification.Module,
		ratelimit.Module,
		scheduler.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
