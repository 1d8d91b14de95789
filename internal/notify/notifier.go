// Package notify is the terminal log sink of the pipeline. Delivery
// content and channels live elsewhere; this consumer only records that
// an order reached its outcome.
package notify

import (
	"context"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/event"
	"go.uber.org/zap"
)

type Notifier struct {
	log *zap.SugaredLogger
}

func NewNotifier(log *zap.SugaredLogger) *Notifier { return &Notifier{log: log} }

// Handle logs terminal order events. It never fails a delivery: an
// unreadable message is logged and acknowledged, since there is no
// effect to protect.
func (n *Notifier) Handle(ctx context.Context, msg bus.Message) error {
	decoded, err := event.Decode(msg.Value)
	if err != nil {
		n.log.Warnf("notify: unreadable event on %s: %v", msg.Topic, err)
		return nil
	}
	switch p := decoded.(type) {
	case *event.OrderConfirmed:
		n.log.Infof("notify: order %s confirmed", p.OrderID)
	case *event.OrderFailed:
		n.log.Infof("notify: order %s failed (%s), skus=%v", p.OrderID, p.Reason, p.FailedSKUs)
	default:
		n.log.Infof("notify: ignoring %s", msg.Topic)
	}
	return nil
}
