package changelog

import (
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/changelog/repository"
	"github.com/taskhub/syncengine/internal/changelog/service"
)

var Module = fx.Module("changelog.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
