package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/config"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/inventory"
	"github.com/orderlab/fulfillment-service/internal/logger"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/notify"
	"github.com/orderlab/fulfillment-service/internal/order"
	"github.com/orderlab/fulfillment-service/internal/outbox"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Runs every consumer of the pipeline: the inventory reservation
// engine, the order status reconciler and the notification sink. Each
// runs in its own consumer group so partitions are processed in
// parallel across workers but in order within a partition.
func main() {
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	orderDB, err := gorm.Open(postgres.Open(cfg.OrderDB.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open order db: %v", err)
	}
	if err := orderDB.AutoMigrate(&model.Order{}, &model.OrderItem{}, &model.OutboxRecord{}, &model.LedgerEntry{}); err != nil {
		log.Fatalf("auto-migrate orders: %v", err)
	}
	invDB, err := gorm.Open(postgres.Open(cfg.InventoryDB.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open inventory db: %v", err)
	}
	if err := invDB.AutoMigrate(&model.InventoryLine{}, &model.OutboxRecord{}, &model.LedgerEntry{}); err != nil {
		log.Fatalf("auto-migrate inventory: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	kb := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout())
	defer kb.Close()
	router := dlq.NewRouter(kb, log)

	engine := inventory.NewEngine(invDB, outbox.NewStore(invDB), router, log)
	reconciler := order.NewReconciler(orderDB, outbox.NewStore(orderDB), router, rdb, log)
	notifier := notify.NewNotifier(log)

	runners := []*bus.Runner{
		bus.NewKafkaRunner(cfg.Kafka.Brokers, event.TopicOrderCreated, inventory.ConsumerID, engine.Handle, log),
		bus.NewKafkaRunner(cfg.Kafka.Brokers, event.TopicInventoryReserved, order.ReconcilerConsumerID, reconciler.Handle, log),
		bus.NewKafkaRunner(cfg.Kafka.Brokers, event.TopicInventoryRejected, order.ReconcilerConsumerID, reconciler.Handle, log),
		bus.NewKafkaRunner(cfg.Kafka.Brokers, event.TopicOrderConfirmed, "order-notifier", notifier.Handle, log),
		bus.NewKafkaRunner(cfg.Kafka.Brokers, event.TopicOrderFailed, "order-notifier", notifier.Handle, log),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r *bus.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil {
				log.Errorf("runner: %v", err)
			}
		}(r)
	}

	log.Info("fulfillment-worker started")
	wg.Wait()
	log.Info("fulfillment-worker stopped")
}
