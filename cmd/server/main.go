package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/orderlab/fulfillment-service/internal/config"
	"github.com/orderlab/fulfillment-service/internal/logger"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/order"
	"github.com/orderlab/fulfillment-service/internal/outbox"
	httptransport "github.com/orderlab/fulfillment-service/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. order-side postgres
	gdb, err := gorm.Open(postgres.Open(cfg.OrderDB.DSN), &gorm.Config{PrepareStmt: true, TranslateError: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(&model.Order{}, &model.OrderItem{}, &model.OutboxRecord{}, &model.LedgerEntry{}); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. service & router
	svc := order.NewService(gdb, outbox.NewStore(gdb), rdb, log)
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 6. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("order-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
