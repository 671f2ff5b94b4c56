package apns

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskhub/syncengine/internal/notification/domain"
)

// Mock is the default gateway for local runs and tests: it accepts
// every push unless a response has been scripted for the token.
type Mock struct {
	mu      sync.Mutex
	log     *zap.Logger
	scripts map[string]scripted
	sent    []string
}

type scripted struct {
	result Result
	err    error
}

func NewMock(log *zap.Logger) *Mock {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mock{
		log:     log.Named("apns.mock"),
		scripts: map[string]scripted{},
	}
}

func (m *Mock) Send(ctx context.Context, token string, payload domain.Payload) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, token)
	if script, ok := m.scripts[token]; ok {
		return script.result, script.err
	}

	m.log.Debug("mock push accepted",
		zap.String("payload_type", payload.Type),
	)
	return Result{OK: true, Status: 200, APNSID: uuid.NewString()}, nil
}

// Script fixes the response for a token.
func (m *Mock) Script(token string, result Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[token] = scripted{result: result, err: err}
}

// SentTokens returns every token Send has seen, in order.
func (m *Mock) SentTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	copy(out, m.sent)
	return out
}
