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
	"github.com/orderlab/fulfillment-service/internal/logger"
	"github.com/orderlab/fulfillment-service/internal/outbox"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Runs one outbox publisher loop per service side. Each loop drains its
// own outbox table; stopping is graceful and never interrupts an
// in-flight publish-and-mark cycle.
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

	orderDB, err := gorm.Open(postgres.Open(cfg.OrderDB.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open order db: %v", err)
	}
	invDB, err := gorm.Open(postgres.Open(cfg.InventoryDB.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open inventory db: %v", err)
	}

	kb := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout())
	defer kb.Close()
	router := dlq.NewRouter(kb, log)

	opts := outbox.Options{
		Interval:    cfg.Outbox.Interval(),
		BatchSize:   cfg.Outbox.BatchSize,
		MaxRetries:  cfg.Outbox.MaxRetries,
		BackoffBase: cfg.Outbox.BackoffBase(),
		BackoffCap:  cfg.Outbox.BackoffCap(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, p := range []*outbox.Publisher{
		outbox.NewPublisher(outbox.NewStore(orderDB), kb, router, log, opts),
		outbox.NewPublisher(outbox.NewStore(invDB), kb, router, log, opts),
	} {
		wg.Add(1)
		go func(pub *outbox.Publisher) {
			defer wg.Done()
			pub.Run(ctx)
		}(p)
	}

	log.Info("outbox-publisher started")
	wg.Wait()
	log.Info("outbox-publisher stopped")
}
