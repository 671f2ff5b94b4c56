package apns

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/taskhub/syncengine/internal/config"
)

var Module = fx.Module("notification.apns",
	fx.Provide(provideGateway),
)

func provideGateway(cfg config.Config, log *zap.Logger) (Gateway, error) {
	switch cfg.APNs.Provider {
	case "http", "apns":
		return NewHTTPGateway(cfg.APNs, log)
	default:
		return NewMock(log), nil
	}
}
