package task

import (
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/task/repository"
	"github.com/taskhub/syncengine/internal/task/service"
)

var Module = fx.Module("task.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
