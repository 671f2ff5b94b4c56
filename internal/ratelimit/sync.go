package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"

	"github.com/taskhub/syncengine/internal/config"
)

const keySyncDeltaOrg = "sync:delta:org:%d"

// SyncLimiter throttles delta sync polling per tenant. Disabled
// limiters allow everything, so the handler can depend on it
// unconditionally.
type SyncLimiter struct {
	enabled bool
	bucket  *TokenBucket
	rate    float64
	burst   int
}

func NewSyncLimiter(cfg config.Config) (*SyncLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}

	addr := strings.TrimSpace(limitCfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("rate limit redis addr is required")
	}
	if limitCfg.SyncRate <= 0 || limitCfg.SyncBurst <= 0 {
		return nil, errors.New("sync rate limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(limitCfg.RedisPassword),
		DB:       limitCfg.RedisDB,
	})

	return &SyncLimiter{
		enabled: true,
		bucket:  NewTokenBucket(client),
		rate:    limitCfg.SyncRate,
		burst:   int(limitCfg.SyncBurst),
	}, nil
}

func (l *SyncLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *SyncLimiter) AllowSync(ctx context.Context, orgID int64) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, fmt.Sprintf(keySyncDeltaOrg, orgID), l.rate, l.burst)
}
