package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/config"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/logger"

	"github.com/segmentio/kafka-go"
)

// Replays quarantined events back onto their source topic. Quarantine
// is never drained automatically; an operator runs this after fixing
// whatever poisoned the events.
//
//	replay -topic order.created -max 10
func main() {
	topic := flag.String("topic", "", "source topic whose quarantine should be replayed")
	max := flag.Int("max", 1, "number of quarantined events to replay")
	flag.Parse()
	if *topic == "" {
		panic("replay: -topic is required")
	}

	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	kb := bus.NewKafkaBus(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout())
	defer kb.Close()

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  "dlq-replay",
		Topic:    *topic + event.DLQSuffix,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	ctx := context.Background()
	for i := 0; i < *max; i++ {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Fatalf("fetch: %v", err)
		}
		headers := make(map[string]string)
		for _, h := range m.Headers {
			switch h.Key {
			case dlq.HeaderReason, dlq.HeaderSourceTopic, dlq.HeaderFailedAt:
				// strip quarantine annotations on the way back
			default:
				headers[h.Key] = string(h.Value)
			}
		}
		if err := kb.Publish(ctx, *topic, string(m.Key), m.Value, headers); err != nil {
			log.Fatalf("republish key=%s: %v", m.Key, err)
		}
		if err := reader.CommitMessages(ctx, m); err != nil {
			log.Fatalf("commit: %v", err)
		}
		log.Infof("replayed key=%s to %s", m.Key, *topic)
	}
}
