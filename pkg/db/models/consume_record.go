package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// ConsumeRecord deduplicates event handling per (consumer_group, event_id).
// Same acquire/lease/replay semantics as IdempotencyRecord, keyed structurally
// by event identity.
type ConsumeRecord struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      *uuid.UUID         `gorm:"column:tenant_id;type:uuid"`
	ConsumerGroup string             `gorm:"column:consumer_group;not null;uniqueIndex:ux_consume_group_event,priority:1"`
	EventID       string             `gorm:"column:event_id;not null;uniqueIndex:ux_consume_group_event,priority:2"`
	EventType     string             `gorm:"column:event_type;not null"`
	Status        enums.RecordStatus `gorm:"column:status;not null"`
	RetryCount    int                `gorm:"column:retry_count;not null;default:0"`
	LockUntil     *time.Time         `gorm:"column:lock_until"`
	Version       int                `gorm:"column:version;not null;default:1"`
	LastError     *string            `gorm:"column:last_error"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (ConsumeRecord) TableName() string {
	return "consume_records"
}
