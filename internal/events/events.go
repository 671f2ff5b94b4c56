package events

import (
	"context"

	"gorm.io/gorm"
)

// Hooks collects side effects that must only run once the surrounding
// transaction has committed. Push fan-out and reminder refreshes queue
// here so a rollback never leaks a notification.
type Hooks struct {
	fns []func(ctx context.Context)
}

// Add queues a hook for execution after commit.
func (h *Hooks) Add(fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	h.fns = append(h.fns, fn)
}

// Len reports the number of queued hooks.
func (h *Hooks) Len() int {
	return len(h.fns)
}

func (h *Hooks) run(ctx context.Context) {
	for _, fn := range h.fns {
		fn(ctx)
	}
}

// RunAfterCommit runs fn inside a transaction and fires the hooks fn
// queued only when the transaction commits. On error or rollback the
// hooks are discarded.
func RunAfterCommit(ctx context.Context, db *gorm.DB, fn func(tx *gorm.DB, hooks *Hooks) error) error {
	hooks := &Hooks{}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(tx, hooks)
	})
	if err != nil {
		return err
	}
	hooks.run(ctx)
	return nil
}
