package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// OutboxDLQ captures terminal outbox failures for auditing and remediation.
type OutboxDLQ struct {
	ID           uuid.UUID                  `gorm:"column:id;type:uuid;primaryKey"`
	MessageID    uuid.UUID                  `gorm:"column:message_id;type:uuid;not null;index"`
	EventType    enums.OutboxEventType      `gorm:"column:event_type;not null"`
	EventKey     string                     `gorm:"column:event_key;not null"`
	TenantID     *uuid.UUID                 `gorm:"column:tenant_id;type:uuid"`
	Payload      json.RawMessage            `gorm:"column:payload;not null"`
	ErrorReason  enums.OutboxDLQErrorReason `gorm:"column:error_reason;not null"`
	ErrorMessage *string                    `gorm:"column:error_message"`
	RetryCount   int                        `gorm:"column:retry_count;not null;default:0"`
	FailedAt     time.Time                  `gorm:"column:failed_at"`
	CreatedAt    time.Time                  `gorm:"column:created_at;autoCreateTime"`
}

func (OutboxDLQ) TableName() string {
	return "outbox_dlq"
}
