package dispatch

import (
	"context"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
)

// Sender delivers one outbox item over its channel's transport.
// Implementations classify their own failures via the returned Result and
// must respect ctx, which carries the per-item send timeout.
type Sender interface {
	Send(ctx context.Context, item store.OutboxItem) Result
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, item store.OutboxItem) Result

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, item store.OutboxItem) Result {
	return f(ctx, item)
}
