package scheduler

import (
	"time"

	appconfig "github.com/taskhub/syncengine/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval       time.Duration
	BatchSize         int
	TriggerBuffer     int
	EventRetention    time.Duration
	DeliveryRetention time.Duration
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       15 * time.Second,
		BatchSize:         50,
		TriggerBuffer:     16,
		EventRetention:    30 * 24 * time.Hour,
		DeliveryRetention: 30 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.TriggerBuffer <= 0 {
		c.TriggerBuffer = defaults.TriggerBuffer
	}
	if c.EventRetention <= 0 {
		c.EventRetention = defaults.EventRetention
	}
	if c.DeliveryRetention <= 0 {
		c.DeliveryRetention = defaults.DeliveryRetention
	}
	return c
}

func ProvideConfig(cfg appconfig.Config) Config {
	return Config{
		RunInterval:       time.Duration(cfg.Notification.PollIntervalSeconds) * time.Second,
		BatchSize:         cfg.Notification.BatchSize,
		EventRetention:    time.Duration(cfg.Sync.EventRetentionDays) * 24 * time.Hour,
		DeliveryRetention: time.Duration(cfg.Notification.DeliveryRetentionDays) * 24 * time.Hour,
	}.withDefaults()
}
