package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/orderlab/fulfillment-service/internal/event"
	"github.com/orderlab/fulfillment-service/internal/model"
	"github.com/orderlab/fulfillment-service/internal/outbox"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrEmptyOrder means no line items were supplied.
	ErrEmptyOrder = errors.New("order must contain at least one item")
	// ErrInvalidItem means a line item has a non-positive quantity or
	// negative unit price.
	ErrInvalidItem = errors.New("invalid line item")
	// ErrOrderNotFound means the order id is unknown.
	ErrOrderNotFound = errors.New("order not found")
	// ErrOrderNotPending means a cancel arrived after the order reached a
	// terminal state; terminal states are never left.
	ErrOrderNotPending = errors.New("order is not pending")
)

// ItemInput is one requested line item.
type ItemInput struct {
	SKU       string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// Service owns the Order aggregate and the order side's outbox. Every
// mutation writes its event through the outbox in the same transaction;
// callers get back PENDING immediately and observe the final outcome
// eventually.
type Service struct {
	db     *gorm.DB
	outbox *outbox.Store
	rdb    *redis.Client
	log    *zap.SugaredLogger
}

func NewService(db *gorm.DB, ob *outbox.Store, rdb *redis.Client, log *zap.SugaredLogger) *Service {
	return &Service{db: db, outbox: ob, rdb: rdb, log: log}
}

// CreateOrder writes the Order row and its order.created outbox record
// in one atomic unit and returns the PENDING order. A repeated call
// with the same idempotency key returns the original order without a
// second event.
func (s *Service) CreateOrder(ctx context.Context, customerEmail string, items []ItemInput, idemKey string) (*model.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	total := decimal.Zero
	for _, it := range items {
		if it.SKU == "" || it.Quantity <= 0 || it.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("%w: sku=%q qty=%d", ErrInvalidItem, it.SKU, it.Quantity)
		}
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)))
	}

	var ord *model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idemKey != "" {
			var existing model.Order
			err := tx.Preload("Items").Where("idempotency_key = ?", idemKey).First(&existing).Error
			if err == nil {
				ord = &existing
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		ord = &model.Order{
			ID:            uuid.NewString(),
			CustomerEmail: customerEmail,
			TotalAmount:   total,
			Status:        model.StatusPending,
		}
		if idemKey != "" {
			ord.IdempotencyKey = &idemKey
		}
		for _, it := range items {
			ord.Items = append(ord.Items, model.OrderItem{
				SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice,
			})
		}
		if err := tx.Create(ord).Error; err != nil {
			return err
		}

		headers := map[string]string{event.HeaderCorrelationID: uuid.NewString()}
		evtItems := make([]event.Item, 0, len(items))
		for _, it := range items {
			evtItems = append(evtItems, event.Item{SKU: it.SKU, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
		}
		payload := &event.OrderCreated{
			Envelope:      event.NewEnvelope(event.TopicOrderCreated, uuid.NewString(), ord.ID, headers),
			CustomerEmail: customerEmail,
			Items:         evtItems,
			TotalAmount:   total,
			CreatedAt:     time.Now().UTC(),
		}
		return s.appendOutbox(tx, payload.Envelope, ord.ID, payload, headers)
	})
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, ord.ID, ord.Status)
	return ord, nil
}

// CancelOrder transitions PENDING→CANCELED. The conditioned update is
// the terminal-state guard: zero rows affected means the order already
// left PENDING and the cancel is refused.
func (s *Service) CancelOrder(ctx context.Context, id string) (*model.Order, error) {
	var ord model.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Order{}).
			Where("id = ? AND status = ?", id, model.StatusPending).
			Updates(map[string]interface{}{"status": model.StatusCanceled, "updated_at": time.Now()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.First(&ord, "id = ?", id).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrOrderNotFound
				}
				return err
			}
			return fmt.Errorf("%w: status=%s", ErrOrderNotPending, ord.Status)
		}

		headers := map[string]string{event.HeaderCorrelationID: uuid.NewString()}
		payload := &event.OrderCanceled{
			Envelope:   event.NewEnvelope(event.TopicOrderCanceled, uuid.NewString(), id, headers),
			CanceledAt: time.Now().UTC(),
		}
		if err := s.appendOutbox(tx, payload.Envelope, id, payload, headers); err != nil {
			return err
		}
		return tx.Preload("Items").First(&ord, "id = ?", id).Error
	})
	if err != nil {
		return nil, err
	}
	s.cacheStatus(ctx, id, model.StatusCanceled)
	s.log.Infof("order %s canceled", id)
	return &ord, nil
}

// GetOrder reads the full order from the store.
func (s *Service) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var ord model.Order
	if err := s.db.WithContext(ctx).Preload("Items").First(&ord, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	s.cacheStatus(ctx, id, ord.Status)
	return &ord, nil
}

// GetStatus answers the poll-for-outcome case from the cache, falling
// back to the store.
func (s *Service) GetStatus(ctx context.Context, id string) (string, error) {
	if status, err := s.cachedStatus(ctx, id); err == nil && status != "" {
		return status, nil
	}
	var ord model.Order
	if err := s.db.WithContext(ctx).Select("status").First(&ord, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	s.cacheStatus(ctx, id, ord.Status)
	return ord.Status, nil
}

func (s *Service) appendOutbox(tx *gorm.DB, env event.Envelope, orderID string, payload interface{}, headers map[string]string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.outbox.Append(tx, &model.OutboxRecord{
		EventID:       env.EventID,
		AggregateType: "Order",
		AggregateID:   orderID,
		EventType:     env.EventType,
		Version:       env.Version,
		Topic:         env.EventType,
		Payload:       string(body),
		Headers:       outbox.EncodeHeaders(headers),
	})
}

func (s *Service) cacheStatus(ctx context.Context, id, status string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Set(ctx, statusKey(id), status, 5*time.Minute).Err(); err != nil {
		s.log.Warnf("cache status %s: %v", id, err)
	}
}

func (s *Service) cachedStatus(ctx context.Context, id string) (string, error) {
	if s.rdb == nil {
		return "", redis.Nil
	}
	return s.rdb.Get(ctx, statusKey(id)).Result()
}

func statusKey(id string) string { return "order:status:" + id }
