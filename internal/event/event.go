package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Topic names. Event types are equal to the topic that carries them;
// the partition key is always the order id.
const (
	TopicOrderCreated      = "order.created"
	TopicInventoryReserved = "inventory.reserved"
	TopicInventoryRejected = "inventory.rejected"
	TopicOrderConfirmed    = "order.confirmed"
	TopicOrderFailed       = "order.failed"
	TopicOrderCanceled     = "order.canceled"

	// DLQSuffix is appended to a source topic to name its quarantine topic.
	DLQSuffix = ".dlq"
)

// HeaderCorrelationID is propagated from the inbound event to every
// event a handler emits in response.
const HeaderCorrelationID = "correlation-id"

var (
	// ErrMalformed marks payloads that are not valid JSON or fail
	// schema validation.
	ErrMalformed = errors.New("malformed event payload")
	// ErrUnknownEvent marks an unrecognized (eventType, version) pair.
	ErrUnknownEvent = errors.New("unknown event type or version")
)

// Envelope is the common header block of every event payload.
type Envelope struct {
	EventType string            `json:"eventType"`
	Version   int               `json:"version"`
	EventID   string            `json:"eventId"`
	OrderID   string            `json:"orderId"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type Item struct {
	SKU       string          `json:"sku"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

type Reservation struct {
	SKU      string `json:"sku"`
	Quantity int64  `json:"quantity"`
}

type OrderCreated struct {
	Envelope
	CustomerEmail string          `json:"customerEmail"`
	Items         []Item          `json:"items"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

type InventoryReserved struct {
	Envelope
	Reservations []Reservation `json:"reservations"`
}

type InventoryRejected struct {
	Envelope
	FailedSKUs []string `json:"failedSkus"`
}

type OrderConfirmed struct {
	Envelope
	ConfirmedAt time.Time `json:"confirmedAt"`
}

type OrderFailed struct {
	Envelope
	Reason     string   `json:"reason"`
	FailedSKUs []string `json:"failedSkus,omitempty"`
}

type OrderCanceled struct {
	Envelope
	CanceledAt time.Time `json:"canceledAt"`
}

// NewEnvelope fills the common header block for an outbound event.
func NewEnvelope(eventType, eventID, orderID string, headers map[string]string) Envelope {
	return Envelope{
		EventType: eventType,
		Version:   1,
		EventID:   eventID,
		OrderID:   orderID,
		Headers:   headers,
	}
}

// Decode parses an event payload into its concrete type, switching on
// (eventType, version). Unknown types and versions are not parsed
// best-effort; callers route them to the dead-letter router.
func Decode(data []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	key := func(t string, v int) bool { return env.EventType == t && env.Version == v }
	switch {
	case key(TopicOrderCreated, 1):
		var p OrderCreated
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		for _, it := range p.Items {
			if err := validLine(it.SKU, it.Quantity); err != nil {
				return nil, err
			}
		}
		return &p, nil
	case key(TopicInventoryReserved, 1):
		var p InventoryReserved
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		for _, rv := range p.Reservations {
			if err := validLine(rv.SKU, rv.Quantity); err != nil {
				return nil, err
			}
		}
		return &p, nil
	case key(TopicInventoryRejected, 1):
		var p InventoryRejected
		return &p, unmarshal(data, &p)
	case key(TopicOrderConfirmed, 1):
		var p OrderConfirmed
		return &p, unmarshal(data, &p)
	case key(TopicOrderFailed, 1):
		var p OrderFailed
		return &p, unmarshal(data, &p)
	case key(TopicOrderCanceled, 1):
		var p OrderCanceled
		return &p, unmarshal(data, &p)
	default:
		return nil, fmt.Errorf("%w: %s v%d", ErrUnknownEvent, env.EventType, env.Version)
	}
}

// validLine rejects lines that would corrupt stock bookkeeping: a
// non-positive quantity passes an "available >= reserved" check while
// moving stock the wrong way.
func validLine(sku string, quantity int64) error {
	if sku == "" {
		return fmt.Errorf("%w: empty sku", ErrMalformed)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: sku %s quantity %d", ErrMalformed, sku, quantity)
	}
	return nil
}

func unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
