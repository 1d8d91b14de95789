package order_test

import (
	"context"
	"testing"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/inventory"
	"github.com/orderlab/fulfillment-service/internal/logger"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/notify"
	"github.com/orderlab/fulfillment-service/internal/order"
	"github.com/orderlab/fulfillment-service/internal/outbox"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// pipeline wires both service sides over an in-process bus, with each
// side draining its own outbox, exactly as the deployed binaries do.
type pipeline struct {
	svc      *order.Service
	orderDB  *gorm.DB
	invDB    *gorm.DB
	orderPub *outbox.Publisher
	invPub   *outbox.Publisher
	mb       *bus.MemoryBus
}

func newPipeline(t *testing.T, name string) *pipeline {
	openDB := func(n string) *gorm.DB {
		db, err := gorm.Open(sqlite.Open("file:"+n+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
		assert.NoError(t, err)
		return db
	}
	orderDB := openDB(name + "_orders")
	assert.NoError(t, orderDB.AutoMigrate(&model.Order{}, &model.OrderItem{}, &model.OutboxRecord{}, &model.LedgerEntry{}))
	invDB := openDB(name + "_inventory")
	assert.NoError(t, invDB.AutoMigrate(&model.InventoryLine{}, &model.OutboxRecord{}, &model.LedgerEntry{}))

	log, _ := logger.NewLogger()
	mb := bus.NewMemoryBus()
	router := dlq.NewRouter(mb, log)

	svc := order.NewService(orderDB, outbox.NewStore(orderDB), nil, log)
	engine := inventory.NewEngine(invDB, outbox.NewStore(invDB), router, log)
	reconciler := order.NewReconciler(orderDB, outbox.NewStore(orderDB), router, nil, log)
	notifier := notify.NewNotifier(log)

	mb.Subscribe(event.TopicOrderCreated, engine.Handle)
	mb.Subscribe(event.TopicInventoryReserved, reconciler.Handle)
	mb.Subscribe(event.TopicInventoryRejected, reconciler.Handle)
	mb.Subscribe(event.TopicOrderConfirmed, notifier.Handle)
	mb.Subscribe(event.TopicOrderFailed, notifier.Handle)

	return &pipeline{
		svc:      svc,
		orderDB:  orderDB,
		invDB:    invDB,
		orderPub: outbox.NewPublisher(outbox.NewStore(orderDB), mb, router, log, outbox.Options{}),
		invPub:   outbox.NewPublisher(outbox.NewStore(invDB), mb, router, log, outbox.Options{}),
		mb:       mb,
	}
}

// settle runs publisher passes until both outboxes are fully drained,
// standing in for the ticker loops of cmd/publisher.
func (p *pipeline) settle(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.NoError(t, p.orderPub.Drain(ctx))
		assert.NoError(t, p.invPub.Drain(ctx))
	}
}

func TestPipeline_OrderConfirmed(t *testing.T) {
	p := newPipeline(t, "pipe_confirm")
	ctx := context.Background()
	p.invDB.Create(&model.InventoryLine{SKU: "A", Available: 5})

	ord, err := p.svc.CreateOrder(ctx, "jo@example.com",
		[]order.ItemInput{{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100)}}, "")
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, ord.Status)

	p.settle(t)

	got, err := p.svc.GetOrder(ctx, ord.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)

	var line model.InventoryLine
	assert.NoError(t, p.invDB.First(&line, "sku = ?", "A").Error)
	assert.EqualValues(t, 3, line.Available)
	assert.EqualValues(t, 2, line.Reserved)

	assert.Len(t, p.mb.Published(event.TopicOrderCreated), 1)
	assert.Len(t, p.mb.Published(event.TopicInventoryReserved), 1)
	assert.Len(t, p.mb.Published(event.TopicOrderConfirmed), 1)
	assert.Empty(t, p.mb.Published(event.TopicOrderFailed))
}

func TestPipeline_OrderFailed(t *testing.T) {
	p := newPipeline(t, "pipe_fail")
	ctx := context.Background()
	p.invDB.Create(&model.InventoryLine{SKU: "B", Available: 1})

	ord, err := p.svc.CreateOrder(ctx, "jo@example.com",
		[]order.ItemInput{{SKU: "B", Quantity: 10, UnitPrice: decimal.NewFromInt(5)}}, "")
	assert.NoError(t, err)

	p.settle(t)

	got, err := p.svc.GetOrder(ctx, ord.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)

	// stock untouched by the rejected order
	var line model.InventoryLine
	assert.NoError(t, p.invDB.First(&line, "sku = ?", "B").Error)
	assert.EqualValues(t, 1, line.Available)
	assert.EqualValues(t, 0, line.Reserved)

	assert.Len(t, p.mb.Published(event.TopicInventoryRejected), 1)
	assert.Len(t, p.mb.Published(event.TopicOrderFailed), 1)
}

func TestPipeline_RedeliveredOrderCreated(t *testing.T) {
	p := newPipeline(t, "pipe_redeliver")
	ctx := context.Background()
	p.invDB.Create(&model.InventoryLine{SKU: "A", Available: 5})

	ord, err := p.svc.CreateOrder(ctx, "jo@example.com",
		[]order.ItemInput{{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100)}}, "")
	assert.NoError(t, err)
	p.settle(t)

	// the broker redelivers order.created after the fact
	created := p.mb.Published(event.TopicOrderCreated)[0]
	assert.NoError(t, p.mb.Publish(ctx, created.Topic, created.Key, created.Value, created.Headers))
	p.settle(t)

	var line model.InventoryLine
	assert.NoError(t, p.invDB.First(&line, "sku = ?", "A").Error)
	assert.EqualValues(t, 3, line.Available)
	assert.EqualValues(t, 2, line.Reserved)
	assert.Len(t, p.mb.Published(event.TopicInventoryReserved), 1)

	got, err := p.svc.GetOrder(ctx, ord.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, got.Status)
}

func TestPipeline_CancelBeforeInventoryAnswer(t *testing.T) {
	p := newPipeline(t, "pipe_cancel")
	ctx := context.Background()
	p.invDB.Create(&model.InventoryLine{SKU: "A", Available: 5})

	ord, err := p.svc.CreateOrder(ctx, "jo@example.com",
		[]order.ItemInput{{SKU: "A", Quantity: 2, UnitPrice: decimal.NewFromInt(100)}}, "")
	assert.NoError(t, err)

	// cancel lands while order.created is still sitting in the outbox
	_, err = p.svc.CancelOrder(ctx, ord.ID)
	assert.NoError(t, err)

	p.settle(t)

	// the late inventory.reserved is discarded; CANCELED is terminal
	got, err := p.svc.GetOrder(ctx, ord.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, got.Status)
	assert.Empty(t, p.mb.Published(event.TopicOrderConfirmed))
}
