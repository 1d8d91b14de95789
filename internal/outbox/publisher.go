package outbox

import (
	"context"
	"time"

	"github.com/orderlab/fulfillment-service/internal/bus"
	"github.com/orderlab/fulfillment-service/internal/dlq"
	"github.com/orderlab/fulfillment-service/internal/model"
	"go.uber.org/zap"
)

// Options tune the publisher loop. These are operational knobs, not
// contracts; zero values fall back to the defaults below.
type Options struct {
	Interval    time.Duration
	BatchSize   int
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 8
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Minute
	}
	return o
}

// Publisher drains one service's outbox into the event bus. It is the
// only component that moves records out of NEW, so restarting it after
// a crash cannot double-publish anything already marked SENT.
type Publisher struct {
	store  *Store
	bus    bus.Publisher
	router *dlq.Router
	log    *zap.SugaredLogger
	opts   Options
}

func NewPublisher(store *Store, b bus.Publisher, router *dlq.Router, log *zap.SugaredLogger, opts Options) *Publisher {
	return &Publisher{store: store, bus: b, router: router, log: log, opts: opts.withDefaults()}
}

// Run drains on a fixed interval until ctx is canceled. The in-flight
// record always finishes its publish-and-mark cycle before the loop
// exits.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	p.log.Infof("outbox publisher started, interval=%s", p.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("outbox publisher stopped")
			return
		case <-ticker.C:
			if err := p.Drain(ctx); err != nil {
				p.log.Errorf("drain outbox: %v", err)
			}
		}
	}
}

// Drain performs one publish pass over the current NEW batch, in
// creation order. A record that fails or is still inside its backoff
// window blocks every later record for the same aggregate for the rest
// of the pass, so per-order publish order survives retries.
func (p *Publisher) Drain(ctx context.Context) error {
	recs, err := p.store.DrainBatch(ctx, p.opts.BatchSize)
	if err != nil {
		return err
	}
	now := time.Now()
	blocked := make(map[string]bool)
	for i := range recs {
		rec := &recs[i]
		if blocked[rec.AggregateID] {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			blocked[rec.AggregateID] = true
			continue
		}
		headers := DecodeHeaders(rec.Headers)
		if err := p.bus.Publish(ctx, rec.Topic, rec.AggregateID, []byte(rec.Payload), headers); err != nil {
			p.handleFailure(ctx, rec, err)
			blocked[rec.AggregateID] = true
			continue
		}
		if err := p.store.MarkSent(ctx, rec.ID); err != nil {
			p.log.Errorf("mark sent id=%d: %v", rec.ID, err)
			continue
		}
		p.log.Infof("published %s id=%d order=%s", rec.Topic, rec.ID, rec.AggregateID)
	}
	return nil
}

func (p *Publisher) handleFailure(ctx context.Context, rec *model.OutboxRecord, cause error) {
	if rec.RetryCount+1 >= p.opts.MaxRetries {
		p.log.Errorf("outbox id=%d exhausted %d retries: %v", rec.ID, p.opts.MaxRetries, cause)
		if err := p.store.MarkError(ctx, rec.ID, cause.Error()); err != nil {
			p.log.Errorf("mark error id=%d: %v", rec.ID, err)
			return
		}
		msg := bus.Message{
			Topic:   rec.Topic,
			Key:     rec.AggregateID,
			Value:   []byte(rec.Payload),
			Headers: DecodeHeaders(rec.Headers),
		}
		if err := p.router.Route(ctx, msg, cause); err != nil {
			p.log.Errorf("dead-letter id=%d: %v", rec.ID, err)
		}
		return
	}
	delay := p.opts.BackoffBase << uint(rec.RetryCount)
	if delay > p.opts.BackoffCap {
		delay = p.opts.BackoffCap
	}
	if err := p.store.Reschedule(ctx, rec.ID, cause.Error(), time.Now().Add(delay)); err != nil {
		p.log.Errorf("reschedule id=%d: %v", rec.ID, err)
		return
	}
	p.log.Warnf("publish %s id=%d failed, retry %d in %s: %v", rec.Topic, rec.ID, rec.RetryCount+1, delay, cause)
}
