package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// AuditLog is an append-only record of every domain event the dispatcher
// delivered, written by the audit consumer.
type AuditLog struct {
	ID         uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	EventID    string                `gorm:"column:event_id;not null;index"`
	EventType  enums.OutboxEventType `gorm:"column:event_type;not null"`
	TenantID   *uuid.UUID            `gorm:"column:tenant_id;type:uuid"`
	Payload    json.RawMessage       `gorm:"column:payload"`
	OccurredAt time.Time             `gorm:"column:occurred_at"`
	CreatedAt  time.Time             `gorm:"column:created_at;autoCreateTime"`
}

func (AuditLog) TableName() string {
	return "audit_logs"
}
