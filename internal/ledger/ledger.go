// Package ledger implements the idempotent consumer ledger: a durable
// record of "effect already applied" keyed by (consumer, event id). The
// claim is inserted in the same transaction as the side effect, so a
// redelivered event can never produce the effect twice, even under
// concurrent delivery.
package ledger

import (
	"errors"
	"fmt"

	"github.com/orderlab/fulfillment-service/internal/model"
	"gorm.io/gorm"
)

// TryClaim records that consumerID has processed eventID, inside the
// caller's open transaction. It returns false when the event was
// already claimed, in which case the caller must skip the side effect
// and every outbound event it would have produced. A duplicate-key
// error from a concurrent claim also reports already-claimed.
func TryClaim(tx *gorm.DB, consumerID, eventID, orderID, effect, outcome string) (bool, error) {
	var n int64
	if err := tx.Model(&model.LedgerEntry{}).
		Where("consumer_id = ? AND event_id = ?", consumerID, eventID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	entry := &model.LedgerEntry{
		ConsumerID: consumerID,
		EventID:    eventID,
		OrderID:    orderID,
		Effect:     effect,
		Outcome:    outcome,
	}
	if err := tx.Create(entry).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, fmt.Errorf("ledger claim: %w", err)
	}
	return true, nil
}
