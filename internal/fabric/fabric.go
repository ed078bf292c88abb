package fabric

import (
	"context"

	"sales-funnel-crm-realtime/internal/event"
)

// Fabric relays emitted events between server processes. Each process
// publishes what it emits and subscribes to fan received events into its
// local connection registry; only the sockets a process physically owns are
// ever written to directly.
type Fabric interface {
	Publish(ctx context.Context, ev event.Event) error
	// Subscribe blocks, invoking handle for every relayed event, until ctx
	// is cancelled.
	Subscribe(ctx context.Context, handle func(event.Event)) error
	Close() error
}
