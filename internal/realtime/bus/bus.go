package bus

import (
	"context"

	"github.com/reelgen/reelgen-backend/internal/realtime"
)

// Bus carries SSE messages between nodes. Every node publishes its
// events to the bus and forwards received messages into its local hub,
// so a client connected anywhere sees events produced anywhere.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
