package bus

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaBus publishes through a single shared writer with per-message
// topics. The hash balancer keeps all messages for one key on one
// partition, which is what gives per-order ordering.
type KafkaBus struct {
	writer *kafka.Writer
}

func NewKafkaBus(brokers []string, writeTimeout time.Duration) *KafkaBus {
	return &KafkaBus{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: writeTimeout,
		},
	}
}

func (b *KafkaBus) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: toKafkaHeaders(headers),
		Time:    time.Now(),
	}
	return b.writer.WriteMessages(ctx, msg)
}

func (b *KafkaBus) Close() error { return b.writer.Close() }

// Handler retry pacing. Transient infrastructure errors block the
// partition until the message goes through; poison messages never reach
// this path because handlers dead-letter them and return nil.
const (
	handlerBackoffBase = 500 * time.Millisecond
	handlerBackoffCap  = 30 * time.Second
)

// fetchCommitter is the slice of kafka.Reader the Runner needs.
type fetchCommitter interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Runner is a pull-based consumption loop for one (topic, consumer
// group) pair. Messages are committed only after the handler returns
// nil, so a crash between the claim-and-apply transaction and the
// commit results in redelivery, never loss.
type Runner struct {
	reader    fetchCommitter
	topic     string
	group     string
	handler   Handler
	log       *zap.SugaredLogger
	retryBase time.Duration
	retryCap  time.Duration
}

func NewKafkaRunner(brokers []string, topic, group string, handler Handler, log *zap.SugaredLogger) *Runner {
	return &Runner{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		topic:     topic,
		group:     group,
		handler:   handler,
		log:       log,
		retryBase: handlerBackoffBase,
		retryCap:  handlerBackoffCap,
	}
}

// Run consumes until ctx is canceled. The in-flight handler call always
// completes before the loop exits.
func (r *Runner) Run(ctx context.Context) error {
	defer r.reader.Close()
	for {
		m, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				r.log.Infof("consumer %s/%s stopping", r.topic, r.group)
				return nil
			}
			r.log.Errorf("fetch %s: %v", r.topic, err)
			continue
		}
		msg := Message{
			Topic:   m.Topic,
			Key:     string(m.Key),
			Value:   m.Value,
			Headers: fromKafkaHeaders(m.Headers),
		}
		if !r.handle(ctx, msg) {
			// Canceled mid-retry. Nothing past the failing message was
			// committed, so it is redelivered after restart.
			return nil
		}
		if err := r.reader.CommitMessages(ctx, m); err != nil {
			r.log.Errorf("commit %s key=%s: %v", m.Topic, msg.Key, err)
		}
	}
}

// handle retries the same message with backoff until the handler
// accepts it. The group offset is never advanced past a failing
// message; a transient error stalls the partition rather than skipping
// the delivery. Returns false when ctx is canceled before success.
func (r *Runner) handle(ctx context.Context, msg Message) bool {
	for attempt := 0; ; attempt++ {
		// Handlers get a fresh context so an in-flight unit of work
		// finishes even during shutdown.
		err := r.handler(context.Background(), msg)
		if err == nil {
			return true
		}
		delay := r.retryBase << uint(attempt)
		if delay > r.retryCap || delay <= 0 {
			delay = r.retryCap
		}
		r.log.Errorf("handle %s key=%s attempt %d: %v, retrying in %s", msg.Topic, msg.Key, attempt+1, err, delay)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(h []kafka.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for _, kh := range h {
		out[kh.Key] = string(kh.Value)
	}
	return out
}
