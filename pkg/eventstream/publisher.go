package eventstream

import "context"

// Publisher publishes memory lifecycle events to an event stream backend.
type Publisher interface {
	Publish(ctx context.Context, event *MemoryEvent) error
	Close() error
}
