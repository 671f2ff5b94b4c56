package apns

import (
	"context"
	"errors"

	"github.com/taskhub/syncengine/internal/notification/domain"
)

// Result is the provider's verdict on one push.
type Result struct {
	OK     bool
	Status int
	Reason string
	APNSID string
}

// ErrConfig marks a gateway that cannot send because credentials are
// missing or malformed. Callers treat it as retryable: a config fix
// should not lose queued deliveries.
var ErrConfig = errors.New("apns_config_incomplete")

// Gateway sends one notification to one device token.
type Gateway interface {
	Send(ctx context.Context, token string, payload domain.Payload) (Result, error)
}

// Rejection reasons that mean the token will never work again.
var deadTokenReasons = map[string]struct{}{
	"BadDeviceToken":         {},
	"DeviceTokenNotForTopic": {},
	"Unregistered":           {},
}

// IsDeadToken reports whether the result condemns the device token.
func IsDeadToken(result Result) bool {
	if result.Status == 410 {
		return true
	}
	_, dead := deadTokenReasons[result.Reason]
	return dead
}
