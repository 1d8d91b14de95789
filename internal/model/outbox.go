package model

import "time"

// Outbox record statuses. A record moves NEW→SENT or NEW→ERROR exactly
// once; SENT and ERROR are terminal.
const (
	OutboxStatusNew   = "NEW"
	OutboxStatusSent  = "SENT"
	OutboxStatusError = "ERROR"
)

// OutboxRecord is an event pending publication, written in the same
// transaction as the aggregate change it announces. The autoincrement ID
// doubles as the drain order.
type OutboxRecord struct {
	ID            uint64 `gorm:"primaryKey"`
	EventID       string `gorm:"size:36;not null;index"`
	AggregateType string `gorm:"size:64;not null"`
	AggregateID   string `gorm:"size:36;not null;index"`
	EventType     string `gorm:"size:64;not null"`
	Version       int    `gorm:"not null;default:1"`
	Topic         string `gorm:"size:64;not null"`
	Payload       string `gorm:"type:jsonb;not null"`
	Headers       string `gorm:"type:jsonb"`
	Status        string `gorm:"size:16;not null;default:'NEW';index"`
	RetryCount    int    `gorm:"not null;default:0"`
	LastError     string `gorm:"size:512"`
	NextAttemptAt time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime"`
	SentAt        *time.Time
}

func (OutboxRecord) TableName() string { return "event_outbox" }
