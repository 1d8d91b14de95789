package model

import "time"

// Ledger outcomes. APPLIED means the side effect was executed; REJECTED
// means the event was claimed but its effect was skipped (business
// rejection or terminal-state discard). Either way the claim absorbs
// every later redelivery.
const (
	OutcomeApplied  = "APPLIED"
	OutcomeRejected = "REJECTED"
)

// LedgerEntry records that a consumer has processed an event. The
// (consumer_id, event_id) uniqueness constraint is the sole authority
// for "already processed".
type LedgerEntry struct {
	ID         uint64    `gorm:"primaryKey"`
	ConsumerID string    `gorm:"size:64;not null;uniqueIndex:uq_ledger_claim"`
	EventID    string    `gorm:"size:36;not null;uniqueIndex:uq_ledger_claim"`
	OrderID    string    `gorm:"size:36;index"`
	Effect     string    `gorm:"size:128"`
	Outcome    string    `gorm:"size:16;not null"`
	CreatedAt  time.Time `gorm:"autoCreateTime"`
}

func (LedgerEntry) TableName() string { return "consumer_ledger" }
