package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/ledger"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/outbox"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReconcilerConsumerID namespaces the reconciler's ledger claims.
const ReconcilerConsumerID = "order-reconciler"

// Reconciler drives the order saga to its terminal state. It consumes
// reservation outcomes and advances PENDING orders; events against an
// order already in a terminal state are duplicates or late arrivals and
// are claimed then discarded. Rejection is final; there is no retry of
// inventory decisions.
type Reconciler struct {
	db     *gorm.DB
	outbox *outbox.Store
	router *dlq.Router
	rdb    *redis.Client
	log    *zap.SugaredLogger
}

func NewReconciler(db *gorm.DB, ob *outbox.Store, router *dlq.Router, rdb *redis.Client, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{db: db, outbox: ob, router: router, rdb: rdb, log: log}
}

// Handle consumes one inventory.reserved or inventory.rejected
// delivery.
func (r *Reconciler) Handle(ctx context.Context, msg bus.Message) error {
	decoded, err := event.Decode(msg.Value)
	if err != nil {
		if errors.Is(err, event.ErrMalformed) || errors.Is(err, event.ErrUnknownEvent) {
			return r.router.Route(ctx, msg, err)
		}
		return err
	}
	switch p := decoded.(type) {
	case *event.InventoryReserved:
		return r.apply(ctx, p.Envelope, model.StatusConfirmed, nil)
	case *event.InventoryRejected:
		return r.apply(ctx, p.Envelope, model.StatusFailed, p.FailedSKUs)
	default:
		return r.router.Route(ctx, msg, fmt.Errorf("unexpected event %T on %s", decoded, msg.Topic))
	}
}

// apply claims the event and performs the PENDING→target transition in
// one atomic unit. The conditioned update doubles as the terminal-state
// guard: zero rows affected means the order already reached a terminal
// state and the event is discarded without emission.
func (r *Reconciler) apply(ctx context.Context, env event.Envelope, target string, failedSKUs []string) error {
	transitioned := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := ledger.TryClaim(tx, ReconcilerConsumerID, env.EventID, env.OrderID,
			"status "+target, model.OutcomeApplied)
		if err != nil {
			return err
		}
		if !claimed {
			r.log.Infof("duplicate %s %s for order %s, skipping", env.EventType, env.EventID, env.OrderID)
			return nil
		}

		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", env.OrderID, model.StatusPending).
			Updates(map[string]interface{}{"status": target, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Late or out-of-order arrival against a terminal order. The
			// claim above still absorbs further redelivery, but no effect
			// was applied, so it is recorded as rejected.
			r.log.Infof("discarding %s for non-pending order %s", env.EventType, env.OrderID)
			return tx.Model(&model.LedgerEntry{}).
				Where("consumer_id = ? AND event_id = ?", ReconcilerConsumerID, env.EventID).
				Update("outcome", model.OutcomeRejected).Error
		}
		transitioned = true

		headers := propagate(env.Headers)
		var payload interface{}
		outEnv := event.NewEnvelope(terminalTopic(target), uuid.NewString(), env.OrderID, headers)
		if target == model.StatusConfirmed {
			payload = &event.OrderConfirmed{Envelope: outEnv, ConfirmedAt: time.Now().UTC()}
		} else {
			payload = &event.OrderFailed{Envelope: outEnv, Reason: "inventory rejected", FailedSKUs: failedSKUs}
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		return r.outbox.Append(tx, &model.OutboxRecord{
			EventID:       outEnv.EventID,
			AggregateType: "Order",
			AggregateID:   env.OrderID,
			EventType:     outEnv.EventType,
			Version:       outEnv.Version,
			Topic:         outEnv.EventType,
			Payload:       string(body),
			Headers:       outbox.EncodeHeaders(headers),
		})
	})
	if err != nil {
		return err
	}
	if transitioned {
		r.refreshCache(ctx, env.OrderID, target)
		r.log.Infof("order %s -> %s", env.OrderID, target)
	}
	return nil
}

func (r *Reconciler) refreshCache(ctx context.Context, id, status string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Set(ctx, statusKey(id), status, 5*time.Minute).Err(); err != nil {
		r.log.Warnf("cache status %s: %v", id, err)
	}
}

func terminalTopic(status string) string {
	if status == model.StatusConfirmed {
		return event.TopicOrderConfirmed
	}
	return event.TopicOrderFailed
}

// propagate carries the correlation id from the inbound event onto the
// terminal event.
func propagate(headers map[string]string) map[string]string {
	if cid, ok := headers[event.HeaderCorrelationID]; ok {
		return map[string]string{event.HeaderCorrelationID: cid}
	}
	return nil
}
