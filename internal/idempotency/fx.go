package idempotency

import (
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/idempotency/repository"
	"github.com/taskhub/syncengine/internal/idempotency/service"
)

var Module = fx.Module("idempotency.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
