// Package inventory applies stock reservations in response to
// order.created events. Reservations are all-or-nothing and guarded by
// the consumer ledger, so a redelivered event can never double-decrement
// stock.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

// ConsumerID namespaces this engine's ledger claims.
const ConsumerID = "inventory-engine"

// rejectionError aborts the reservation transaction so every decrement
// rolls back; the rejection outcome is then recorded separately.
type rejectionError struct {
	failedSKUs []string
}

func (e *rejectionError) Error() string {
	return fmt.Sprintf("insufficient stock for %v", e.failedSKUs)
}

// Engine is the inventory-side consumer. It owns the inventory store
// and the inventory side's outbox; results are emitted through the
// outbox, never published directly.
type Engine struct {
	db     *gorm.DB
	outbox *outbox.Store
	router *dlq.Router
	log    *zap.SugaredLogger
}

func NewEngine(db *gorm.DB, ob *outbox.Store, router *dlq.Router, log *zap.SugaredLogger) *Engine {
	return &Engine{db: db, outbox: ob, router: router, log: log}
}

// Handle consumes one order.created delivery. Poison messages go to the
// quarantine topic and are acknowledged; transient store errors are
// returned so the message stays uncommitted and is redelivered.
func (e *Engine) Handle(ctx context.Context, msg bus.Message) error {
	decoded, err := event.Decode(msg.Value)
	if err != nil {
		if errors.Is(err, event.ErrMalformed) || errors.Is(err, event.ErrUnknownEvent) {
			return e.router.Route(ctx, msg, err)
		}
		return err
	}
	created, ok := decoded.(*event.OrderCreated)
	if !ok {
		return e.router.Route(ctx, msg, fmt.Errorf("unexpected event %T on %s", decoded, msg.Topic))
	}
	return e.Reserve(ctx, created, msg.Headers)
}

// Reserve applies the reservation for one order.created occurrence.
// Within one transaction it claims the event id, then checks and
// decrements every line; if any line lacks stock the whole transaction
// rolls back and a rejection is recorded instead. Partial reservation
// is never observable.
func (e *Engine) Reserve(ctx context.Context, created *event.OrderCreated, headers map[string]string) error {
	var rejection *rejectionError
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := ledger.TryClaim(tx, ConsumerID, created.EventID, created.OrderID,
			"reserve stock", model.OutcomeApplied)
		if err != nil {
			return err
		}
		if !claimed {
			e.log.Infof("duplicate order.created %s for order %s, skipping", created.EventID, created.OrderID)
			return nil
		}

		var failed []string
		for _, item := range created.Items {
			res := tx.Model(&model.InventoryLine{}).
				Where("sku = ? AND available >= ?", item.SKU, item.Quantity).
				Updates(map[string]interface{}{
					"available": gorm.Expr("available - ?", item.Quantity),
					"reserved":  gorm.Expr("reserved + ?", item.Quantity),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				failed = append(failed, item.SKU)
			}
		}
		if len(failed) > 0 {
			return &rejectionError{failedSKUs: failed}
		}

		reservations := make([]event.Reservation, 0, len(created.Items))
		for _, item := range created.Items {
			reservations = append(reservations, event.Reservation{SKU: item.SKU, Quantity: item.Quantity})
		}
		return e.emit(tx, created, headers, &event.InventoryReserved{
			Envelope: event.NewEnvelope(event.TopicInventoryReserved, uuid.NewString(),
				created.OrderID, propagate(headers)),
			Reservations: reservations,
		})
	})
	if err == nil {
		return nil
	}
	if !errors.As(err, &rejection) {
		return err
	}

	// Insufficient stock is a valid terminal outcome, not an error. The
	// decrement rollback above left every line untouched; record the
	// rejection claim and its event in a fresh atomic unit.
	e.log.Infof("order %s rejected: %v", created.OrderID, rejection)
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed, err := ledger.TryClaim(tx, ConsumerID, created.EventID, created.OrderID,
			"reject reservation", model.OutcomeRejected)
		if err != nil {
			return err
		}
		if !claimed {
			return nil
		}
		return e.emit(tx, created, headers, &event.InventoryRejected{
			Envelope: event.NewEnvelope(event.TopicInventoryRejected, uuid.NewString(),
				created.OrderID, propagate(headers)),
			FailedSKUs: rejection.failedSKUs,
		})
	})
}

func (e *Engine) emit(tx *gorm.DB, created *event.OrderCreated, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var env event.Envelope
	switch p := payload.(type) {
	case *event.InventoryReserved:
		env = p.Envelope
	case *event.InventoryRejected:
		env = p.Envelope
	default:
		return fmt.Errorf("unsupported emission %T", payload)
	}
	return e.outbox.Append(tx, &model.OutboxRecord{
		EventID:       env.EventID,
		AggregateType: "Inventory",
		AggregateID:   created.OrderID,
		EventType:     env.EventType,
		Version:       env.Version,
		Topic:         env.EventType,
		Payload:       string(body),
		Headers:       outbox.EncodeHeaders(propagate(headers)),
	})
}

// propagate carries the correlation id from the inbound delivery onto
// everything emitted in response.
func propagate(headers map[string]string) map[string]string {
	if cid, ok := headers[event.HeaderCorrelationID]; ok {
		return map[string]string{event.HeaderCorrelationID: cid}
	}
	return nil
}
