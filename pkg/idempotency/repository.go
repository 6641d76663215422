package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
)

// Repository persists idempotency records. All state transitions are
// conditional updates guarded by the expected version so that concurrent
// executors resolve races through the store, never through in-process locks.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Find returns the record for the key, or nil when absent.
func (r *Repository) Find(ctx context.Context, tenantID uuid.UUID, bizType, idemKey string) (*models.IdempotencyRecord, error) {
	var rec models.IdempotencyRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND biz_type = ? AND idem_key = ?", tenantID, bizType, idemKey).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Insert creates the initial processing record. A unique violation means a
// concurrent executor won the insert race.
func (r *Repository) Insert(ctx context.Context, rec *models.IdempotencyRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// TakeOver re-acquires an expired or retryable-failed record as a new
// generation. Returns false when another executor changed the record first.
func (r *Repository) TakeOver(ctx context.Context, id uuid.UUID, expectedVersion int, lockUntil, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Where("status = ? OR (status = ? AND (lock_until IS NULL OR lock_until <= ?)) OR (status = ? AND (expire_at IS NULL OR expire_at <= ?))",
			enums.RecordStatusFailed,
			enums.RecordStatusProcessing, now,
			enums.RecordStatusSucceeded, now,
		).
		Updates(map[string]any{
			"status":     enums.RecordStatusProcessing,
			"version":    gorm.Expr("version + 1"),
			"lock_until": lockUntil,
			"error_code": nil,
			"error_msg":  nil,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkSucceeded finishes the generation with its stored result.
func (r *Repository) MarkSucceeded(ctx context.Context, id uuid.UUID, version int, resultRef *string, resultPayload json.RawMessage, expireAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("id = ? AND version = ? AND status = ?", id, version, enums.RecordStatusProcessing).
		Updates(map[string]any{
			"status":         enums.RecordStatusSucceeded,
			"result_ref":     resultRef,
			"result_payload": resultPayload,
			"expire_at":      expireAt,
			"lock_until":     nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkFailed finishes the generation with the captured error.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, version int, errCode, errMsg string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("id = ? AND version = ? AND status = ?", id, version, enums.RecordStatusProcessing).
		Updates(map[string]any{
			"status":     enums.RecordStatusFailed,
			"error_code": errCode,
			"error_msg":  errMsg,
			"lock_until": nil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
