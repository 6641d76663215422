package outbox

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

// Repository owns outbox_messages. Claim and the status transitions are
// conditional updates; a generation of the dispatcher that lost its claim
// cannot overwrite a newer one.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Insert queues a message inside the caller's transaction.
func (r *Repository) Insert(tx *gorm.DB, msg *models.OutboxMessage) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return tx.Create(msg).Error
}

// ExistsTx reports whether a message with the logical dedup key is already
// queued, in the caller's transaction.
func (r *Repository) ExistsTx(tx *gorm.DB, eventType enums.OutboxEventType, eventKey string) (bool, error) {
	if tx == nil {
		return false, errors.New("transaction required")
	}
	var count int64
	err := tx.Model(&models.OutboxMessage{}).
		Where("event_type = ? AND event_key = ?", eventType, eventKey).
		Count(&count).Error
	return count > 0, err
}

// FetchDue returns rows eligible for dispatch at now: NEW and FAILED rows whose
// next_retry_at has passed, plus PUBLISHED rows whose claim lease expired
// (claimed by a dispatcher that died before finishing).
func (r *Repository) FetchDue(ctx context.Context, now time.Time, limit int) ([]models.OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("(status IN ? AND next_retry_at <= ?) OR (status = ? AND (lock_until IS NULL OR lock_until <= ?))",
			[]enums.OutboxStatus{enums.OutboxStatusNew, enums.OutboxStatusFailed}, now,
			enums.OutboxStatusPublished, now,
		).
		Order("next_retry_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// Claim moves one fetched row to PUBLISHED under a lease. The guard repeats the
// fetch predicate plus the retry_count seen at fetch time, so exactly one
// dispatcher wins when several fetched the same row.
func (r *Repository) Claim(ctx context.Context, msg models.OutboxMessage, lockUntil, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND retry_count = ?", msg.ID, msg.RetryCount).
		Where("status IN ? OR (status = ? AND (lock_until IS NULL OR lock_until <= ?))",
			[]enums.OutboxStatus{enums.OutboxStatusNew, enums.OutboxStatusFailed},
			enums.OutboxStatusPublished, now,
		).
		Updates(map[string]any{
			"status":     enums.OutboxStatusPublished,
			"lock_until": lockUntil,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// MarkDone finishes a claimed row. The row is kept for audit, never deleted.
func (r *Repository) MarkDone(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPublished).
		Updates(map[string]any{
			"status":     enums.OutboxStatusDone,
			"lock_until": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New("outbox message not in published state")
	}
	return nil
}

// MarkFailed schedules a retry for a claimed row.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, retryCount int, nextRetryAt time.Time, lastError string) error {
	res := r.db.WithContext(ctx).
		Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPublished).
		Updates(map[string]any{
			"status":        enums.OutboxStatusFailed,
			"retry_count":   retryCount,
			"next_retry_at": nextRetryAt,
			"lock_until":    nil,
			"last_error":    truncateError(lastError),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New("outbox message not in published state")
	}
	return nil
}

// MarkDeadTx dead-letters a claimed row. Runs in the same transaction as the
// DLQ insert so the row cannot go DEAD without its DLQ entry.
func (r *Repository) MarkDeadTx(tx *gorm.DB, id uuid.UUID, retryCount int, lastError string) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	res := tx.Model(&models.OutboxMessage{}).
		Where("id = ? AND status = ?", id, enums.OutboxStatusPublished).
		Updates(map[string]any{
			"status":      enums.OutboxStatusDead,
			"retry_count": retryCount,
			"lock_until":  nil,
			"last_error":  truncateError(lastError),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return errors.New("outbox message not in published state")
	}
	return nil
}

func truncateError(message string) string {
	if len(message) <= maxLastErrorLen {
		return message
	}
	return message[:maxLastErrorLen]
}
