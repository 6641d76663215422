package consume

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
)

const maxLastErrorLen = 1024

// Repository persists consume records. Mirrors the idempotency repository but
// keys on (consumer_group, event_id) and supports marking success inside the
// handler's own transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Find returns the record for the pair, or nil when absent.
func (r *Repository) Find(ctx context.Context, consumerGroup, eventID string) (*models.ConsumeRecord, error) {
	var rec models.ConsumeRecord
	err := r.db.WithContext(ctx).
		Where("consumer_group = ? AND event_id = ?", consumerGroup, eventID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Insert creates the initial processing record.
func (r *Repository) Insert(ctx context.Context, rec *models.ConsumeRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// TakeOver re-acquires an expired or retryable-failed record as a new
// generation.
func (r *Repository) TakeOver(ctx context.Context, id uuid.UUID, expectedVersion int, lockUntil, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.ConsumeRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Where("status = ? OR (status = ? AND (lock_until IS NULL OR lock_until <= ?))",
			enums.RecordStatusFailed,
			enums.RecordStatusProcessing, now,
		).
		Updates(map[string]any{
			"status":     enums.RecordStatusProcessing,
			"version":    gorm.Expr("version + 1"),
			"lock_until": lockUntil,
			"last_error": nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkSucceededTx marks the record succeeded inside the handler's transaction
// so the handler's side effects and the dedup bookkeeping commit atomically.
func (r *Repository) MarkSucceededTx(tx *gorm.DB, id uuid.UUID, version int) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	res := tx.Model(&models.ConsumeRecord{}).
		Where("id = ? AND version = ? AND status = ?", id, version, enums.RecordStatusProcessing).
		Updates(map[string]any{
			"status":     enums.RecordStatusSucceeded,
			"lock_until": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed records a handler failure outside the rolled-back transaction.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, version, retryCount int, lastError string) (bool, error) {
	if len(lastError) > maxLastErrorLen {
		lastError = lastError[:maxLastErrorLen]
	}
	res := r.db.WithContext(ctx).
		Model(&models.ConsumeRecord{}).
		Where("id = ? AND version = ? AND status = ?", id, version, enums.RecordStatusProcessing).
		Updates(map[string]any{
			"status":      enums.RecordStatusFailed,
			"retry_count": retryCount,
			"last_error":  lastError,
			"lock_until":  nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
