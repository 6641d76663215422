package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// OutboxMessage is one domain event instance queued for dispatch. Rows are
// inserted in the same transaction as the business mutation they describe and
// are never deleted on success.
type OutboxMessage struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	EventType   enums.OutboxEventType `gorm:"column:event_type;not null;index:ix_outbox_status_retry,priority:3;uniqueIndex:ux_outbox_event_key,priority:1"`
	EventKey    string                `gorm:"column:event_key;not null;uniqueIndex:ux_outbox_event_key,priority:2"`
	Payload     json.RawMessage       `gorm:"column:payload;not null"`
	Headers     json.RawMessage       `gorm:"column:headers"`
	TenantID    *uuid.UUID            `gorm:"column:tenant_id;type:uuid"`
	Status      enums.OutboxStatus    `gorm:"column:status;not null;index:ix_outbox_status_retry,priority:1"`
	RetryCount  int                   `gorm:"column:retry_count;not null;default:0"`
	NextRetryAt time.Time             `gorm:"column:next_retry_at;not null;index:ix_outbox_status_retry,priority:2"`
	LockUntil   *time.Time            `gorm:"column:lock_until"`
	LastError   *string               `gorm:"column:last_error"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}
