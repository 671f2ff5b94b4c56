package preference

import (
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/preference/repository"
	"github.com/taskhub/syncengine/internal/preference/service"
)

var Module = fx.Module("preference.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
