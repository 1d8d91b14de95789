package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/orderlab/fulfillment-service/internal/model"
	"gorm.io/gorm"
)

// Store is the write and drain side of one service's outbox table.
// Append always runs inside the caller's open transaction so the record
// and the aggregate change commit or roll back together.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store { return &Store{db: db} }

// Append inserts a record as part of tx. The caller owns the
// transaction; Append never commits.
func (s *Store) Append(tx *gorm.DB, rec *model.OutboxRecord) error {
	rec.Status = model.OutboxStatusNew
	return tx.Create(rec).Error
}

// DrainBatch returns NEW records in creation order, bounded by limit.
// It reads outside any writer transaction and never blocks state
// writers.
func (s *Store) DrainBatch(ctx context.Context, limit int) ([]model.OutboxRecord, error) {
	var recs []model.OutboxRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusNew).
		Order("id").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// MarkSent is a no-op when the record already left NEW.
func (s *Store) MarkSent(ctx context.Context, id uint64) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusNew).
		Updates(map[string]interface{}{"status": model.OutboxStatusSent, "sent_at": &now}).Error
}

// MarkError is a no-op when the record already left NEW. ERROR records
// are kept for manual replay, never auto-discarded.
func (s *Store) MarkError(ctx context.Context, id uint64, reason string) error {
	return s.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusNew).
		Updates(map[string]interface{}{"status": model.OutboxStatusError, "last_error": truncate(reason)}).Error
}

// Reschedule keeps the record NEW, bumps the retry counter and defers
// the next attempt.
func (s *Store) Reschedule(ctx context.Context, id uint64, reason string, next time.Time) error {
	return s.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusNew).
		Updates(map[string]interface{}{
			"retry_count":     gorm.Expr("retry_count + 1"),
			"last_error":      truncate(reason),
			"next_attempt_at": next,
		}).Error
}

// EncodeHeaders serializes transport headers for the jsonb column.
func EncodeHeaders(h map[string]string) string {
	if len(h) == 0 {
		return ""
	}
	b, _ := json.Marshal(h)
	return string(b)
}

// DecodeHeaders is the inverse of EncodeHeaders; bad stored data yields
// no headers rather than a failed publish.
func DecodeHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil
	}
	return h
}

func truncate(s string) string {
	if len(s) > 512 {
		return s[:512]
	}
	return s
}
