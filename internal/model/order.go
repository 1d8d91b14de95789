package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order statuses. Transitions are monotonic: PENDING is the only
// non-terminal state.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

type Order struct {
	ID             string          `gorm:"primaryKey;size:36"`
	CustomerEmail  string          `gorm:"size:128;not null"`
	Items          []OrderItem     `gorm:"foreignKey:OrderID"`
	TotalAmount    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status         string          `gorm:"size:16;not null;default:'PENDING';index"`
	IdempotencyKey *string         `gorm:"size:64;uniqueIndex"`
	CreatedAt      time.Time       `gorm:"autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime"`
}

func (Order) TableName() string { return "orders" }

type OrderItem struct {
	ID        uint64          `gorm:"primaryKey"`
	OrderID   string          `gorm:"size:36;not null;index"`
	SKU       string          `gorm:"size:64;not null"`
	Quantity  int64           `gorm:"not null"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(20,8);not null"`
}

func (OrderItem) TableName() string { return "order_item" }
