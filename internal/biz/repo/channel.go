package repo

import "context"

// Envelope is one event on a channel.
type Envelope struct {
	ID      string
	Topic   string
	Key     string
	Headers map[string]string
	Payload []byte
}

// Handler processes one envelope. A nil return acknowledges it; an error
// leaves it unacknowledged for replay.
type Handler func(ctx context.Context, env Envelope) error

// Publisher appends events to a topic. Events sharing a key are delivered
// in publish order.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Subscriber consumes a topic as part of a consumer group.
type Subscriber interface {
	// Subscribe blocks, invoking h for each event, until ctx is done.
	Subscribe(ctx context.Context, topic, group string, h Handler) error
}

// Channel is a durable event system that keeps per-key order for each consumer group.
type Channel interface {
	Publisher
	Subscriber
	Close() error
}
