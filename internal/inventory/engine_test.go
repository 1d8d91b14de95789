package inventory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/logger"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestEngine(t *testing.T, name string) (*Engine, *gorm.DB, *bus.MemoryBus) {
	db, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.InventoryLine{}, &model.OutboxRecord{}, &model.LedgerEntry{}))

	mb := bus.NewMemoryBus()
	log, _ := logger.NewLogger()
	engine := NewEngine(db, outbox.NewStore(db), dlq.NewRouter(mb, log), log)
	return engine, db, mb
}

func orderCreatedMsg(t *testing.T, eventID, orderID string, items []event.Item) bus.Message {
	payload := &event.OrderCreated{
		Envelope:      event.NewEnvelope(event.TopicOrderCreated, eventID, orderID, nil),
		CustomerEmail: "jo@example.com",
		Items:         items,
	}
	body, err := json.Marshal(payload)
	assert.NoError(t, err)
	return bus.Message{
		Topic:   event.TopicOrderCreated,
		Key:     orderID,
		Value:   body,
		Headers: map[string]string{event.HeaderCorrelationID: "corr-" + orderID},
	}
}

func line(t *testing.T, db *gorm.DB, sku string) model.InventoryLine {
	var l model.InventoryLine
	assert.NoError(t, db.First(&l, "sku = ?", sku).Error)
	return l
}

func outboxRecords(t *testing.T, db *gorm.DB, topic string) []model.OutboxRecord {
	var recs []model.OutboxRecord
	assert.NoError(t, db.Where("topic = ?", topic).Order("id").Find(&recs).Error)
	return recs
}

func TestReserve_Success(t *testing.T) {
	engine, db, _ := newTestEngine(t, "inv_success")
	db.Create(&model.InventoryLine{SKU: "A", Available: 5})

	msg := orderCreatedMsg(t, "evt-1", "order-1", []event.Item{
		{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100)},
	})
	assert.NoError(t, engine.Handle(context.Background(), msg))

	l := line(t, db, "A")
	assert.EqualValues(t, 3, l.Available)
	assert.EqualValues(t, 2, l.Reserved)

	recs := outboxRecords(t, db, event.TopicInventoryReserved)
	assert.Len(t, recs, 1)
	decoded, err := event.Decode([]byte(recs[0].Payload))
	assert.NoError(t, err)
	reserved := decoded.(*event.InventoryReserved)
	assert.Equal(t, "order-1", reserved.OrderID)
	assert.Equal(t, []event.Reservation{{SKU: "A", Quantity: 2}}, reserved.Reservations)
	assert.Equal(t, "corr-order-1", reserved.Headers[event.HeaderCorrelationID])
}

func TestReserve_InsufficientStock(t *testing.T) {
	engine, db, _ := newTestEngine(t, "inv_reject")
	db.Create(&model.InventoryLine{SKU: "B", Available: 1})

	msg := orderCreatedMsg(t, "evt-1", "order-1", []event.Item{
		{SKU: "B", Quantity: 10, UnitPrice: decimal.NewFromInt(5)},
	})
	assert.NoError(t, engine.Handle(context.Background(), msg))

	// stock untouched, rejection emitted
	l := line(t, db, "B")
	assert.EqualValues(t, 1, l.Available)
	assert.EqualValues(t, 0, l.Reserved)
	assert.Empty(t, outboxRecords(t, db, event.TopicInventoryReserved))

	recs := outboxRecords(t, db, event.TopicInventoryRejected)
	assert.Len(t, recs, 1)
	decoded, err := event.Decode([]byte(recs[0].Payload))
	assert.NoError(t, err)
	assert.Equal(t, []string{"B"}, decoded.(*event.InventoryRejected).FailedSKUs)
}

func TestReserve_AllOrNothing(t *testing.T) {
	engine, db, _ := newTestEngine(t, "inv_atomic")
	db.Create(&model.InventoryLine{SKU: "A", Available: 5})
	db.Create(&model.InventoryLine{SKU: "B", Available: 1})

	msg := orderCreatedMsg(t, "evt-1", "order-1", []event.Item{
		{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(10)},
		{SKU: "B", Quantity: 10, UnitPrice: decimal.NewFromInt(10)},
		{SKU: "C", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
	})
	assert.NoError(t, engine.Handle(context.Background(), msg))

	// the satisfiable line A must not be decremented when B and C fail
	a := line(t, db, "A")
	assert.EqualValues(t, 5, a.Available)
	assert.EqualValues(t, 0, a.Reserved)

	recs := outboxRecords(t, db, event.TopicInventoryRejected)
	assert.Len(t, recs, 1)
	decoded, _ := event.Decode([]byte(recs[0].Payload))
	assert.Equal(t, []string{"B", "C"}, decoded.(*event.InventoryRejected).FailedSKUs)
}

func TestReserve_RedeliveryDecrementsOnce(t *testing.T) {
	engine, db, _ := newTestEngine(t, "inv_redelivery")
	db.Create(&model.InventoryLine{SKU: "A", Available: 5})

	msg := orderCreatedMsg(t, "evt-1", "order-1", []event.Item{
		{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100)},
	})
	assert.NoError(t, engine.Handle(context.Background(), msg))
	assert.NoError(t, engine.Handle(context.Background(), msg))

	l := line(t, db, "A")
	assert.EqualValues(t, 3, l.Available)
	assert.EqualValues(t, 2, l.Reserved)
	// no second inventory.reserved emission either
	assert.Len(t, outboxRecords(t, db, event.TopicInventoryReserved), 1)
}

func TestHandle_PoisonGoesToQuarantine(t *testing.T) {
	engine, db, mb := newTestEngine(t, "inv_poison")

	msg := bus.Message{Topic: event.TopicOrderCreated, Key: "order-1", Value: []byte(`{broken`)}
	assert.NoError(t, engine.Handle(context.Background(), msg))
	assert.Len(t, mb.Published(event.TopicOrderCreated+event.DLQSuffix), 1)

	// unknown schema version is quarantined, not best-effort parsed
	unknown := []byte(`{"eventType":"order.created","version":7,"eventId":"e","orderId":"o"}`)
	assert.NoError(t, engine.Handle(context.Background(), bus.Message{Topic: event.TopicOrderCreated, Value: unknown}))
	assert.Len(t, mb.Published(event.TopicOrderCreated+event.DLQSuffix), 2)

	var n int64
	db.Model(&model.LedgerEntry{}).Count(&n)
	assert.EqualValues(t, 0, n)
}

func TestHandle_NegativeQuantityQuarantinedStockUntouched(t *testing.T) {
	engine, db, mb := newTestEngine(t, "inv_negative")
	db.Create(&model.InventoryLine{SKU: "A", Available: 5})

	// a negative quantity satisfies "available >= ?" and would inflate
	// stock if it ever reached the decrement
	msg := orderCreatedMsg(t, "evt-1", "order-1", []event.Item{
		{SKU: "A", Quantity: -2, UnitPrice: decimal.NewFromInt(100)},
	})
	assert.NoError(t, engine.Handle(context.Background(), msg))

	l := line(t, db, "A")
	assert.EqualValues(t, 5, l.Available)
	assert.EqualValues(t, 0, l.Reserved)
	assert.Len(t, mb.Published(event.TopicOrderCreated+event.DLQSuffix), 1)
	assert.Empty(t, outboxRecords(t, db, event.TopicInventoryReserved))
	assert.Empty(t, outboxRecords(t, db, event.TopicInventoryRejected))
}
