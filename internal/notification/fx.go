package notification

import (
	"go.uber.org/fx"

	"github.com/taskhub/syncengine/internal/notification/apns"
	"github.com/taskhub/syncengine/internal/notification/repository"
	"github.com/taskhub/syncengine/internal/notification/service"
)

var Module = fx.Module("notification.service",
	apns.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
