package scheduling

import (
	"context"
	"fmt"
)

type tickThreadKey struct{}

type batchKey struct{}

// WithTickThread marks ctx as belonging to the tick goroutine. Exactly one
// goroutine should carry the marker at a time.
func WithTickThread(ctx context.Context) context.Context {
	return context.WithValue(ctx, tickThreadKey{}, true)
}

func IsTickThread(ctx context.Context) bool {
	v, _ := ctx.Value(tickThreadKey{}).(bool)
	return v
}

func mustTickThread(ctx context.Context, what string) {
	if !IsTickThread(ctx) {
		panic(fmt.Sprintf("scheduling: %s off the tick goroutine", what))
	}
}

// updateBatch collects the work produced while ticket levels are applied.
// Tasks are scheduled only after every area lock is released.
type updateBatch struct {
	tasks   []progressionTask
	changed []*Holder
}

func (b *updateBatch) scheduleTasks(ctx context.Context) {
	for _, t := range b.tasks {
		t.schedule(ctx)
	}
	b.tasks = nil
}

// withTicketUpdate records that ctx is inside a ticket level update, so task
// completions that happen synchronously hand their follow-up tasks back to
// the update instead of scheduling them under its locks.
func withTicketUpdate(ctx context.Context, b *updateBatch) context.Context {
	return context.WithValue(ctx, batchKey{}, b)
}

func ticketUpdateFrom(ctx context.Context) *updateBatch {
	b, _ := ctx.Value(batchKey{}).(*updateBatch)
	return b
}
