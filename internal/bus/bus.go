package bus

import "context"

// Message is a single event as seen on the wire. Key is the partition
// key (the aggregate id), so all events for one order share a delivery
// lane.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// Publisher acknowledges only after the broker has durably accepted the
// message. Delivery downstream is at-least-once; the bus never
// deduplicates.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Handler processes one delivered message. Returning nil acknowledges
// the message; returning an error leaves it uncommitted for redelivery.
// Handlers must be idempotent: redelivery happens after crashes,
// timeouts and rebalances.
type Handler func(ctx context.Context, msg Message) error
