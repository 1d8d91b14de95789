// Package dlq quarantines events that cannot be processed normally:
// failed deserialization, unknown schema versions, exhausted retry
// budgets. Quarantined events are never retried automatically; replay
// is a manual operation (cmd/replay).
package dlq

import (
	"context"
	"time"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/event"
	"go.uber.org/zap"
)

// Annotation headers added to quarantined messages. The payload itself
// is republished unchanged.
const (
	HeaderReason      = "dlq-reason"
	HeaderSourceTopic = "dlq-source-topic"
	HeaderFailedAt    = "dlq-failed-at"
)

type Router struct {
	bus bus.Publisher
	log *zap.SugaredLogger
}

func NewRouter(b bus.Publisher, log *zap.SugaredLogger) *Router {
	return &Router{bus: b, log: log}
}

// Route republishes msg to the quarantine topic of its source topic,
// annotated with the failure reason.
func (r *Router) Route(ctx context.Context, msg bus.Message, reason error) error {
	headers := make(map[string]string, len(msg.Headers)+3)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[HeaderReason] = reason.Error()
	headers[HeaderSourceTopic] = msg.Topic
	headers[HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339)

	quarantine := msg.Topic + event.DLQSuffix
	if err := r.bus.Publish(ctx, quarantine, msg.Key, msg.Value, headers); err != nil {
		return err
	}
	r.log.Warnf("quarantined message from %s to %s: %v", msg.Topic, quarantine, reason)
	return nil
}
