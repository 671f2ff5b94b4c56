package device

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/taskhub/syncengine/internal/config"
	"github.com/taskhub/syncengine/internal/device/domain"
	"github.com/taskhub/syncengine/internal/device/repository"
	"github.com/taskhub/syncengine/internal/device/service"
)

var Module = fx.Module("device.service",
	fx.Provide(provideCipher),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)

func provideCipher(cfg config.Config, log *zap.Logger) (*domain.TokenCipher, error) {
	key := cfg.DeviceTokenKey
	if key == "" {
		// Local runs without a configured key still need a working
		// cipher; tokens sealed this way do not survive key rollout.
		log.Warn("DEVICE_TOKEN_KEY not set, using development key")
		key = "syncengine-dev-token-key"
	}
	return domain.NewTokenCipher(key)
}
