package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process bus used by tests and tooling. Publish
// dispatches synchronously to every subscriber of the topic. A handler
// error fails the publish, which makes the publisher retry and every
// subscriber see the message again: the at-least-once contract, only
// compressed in time.
type MemoryBus struct {
	mu   sync.Mutex
	subs map[string][]Handler

	published []Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]Handler)}
}

func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

func (b *MemoryBus) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := Message{Topic: topic, Key: key, Value: value, Headers: headers}
	b.mu.Lock()
	b.published = append(b.published, msg)
	handlers := append([]Handler(nil), b.subs[topic]...)
	b.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// Published returns every message accepted so far, in publish order.
func (b *MemoryBus) Published(topic string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
