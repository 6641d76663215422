package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// IdempotencyRecord tracks one logical command execution per
// (tenant_id, biz_type, idem_key). A record in processing state holds a lease
// until lock_until; version counts acquisition generations.
type IdempotencyRecord struct {
	ID            uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	TenantID      uuid.UUID          `gorm:"column:tenant_id;type:uuid;not null;uniqueIndex:ux_idempotency_tenant_biz_key,priority:1"`
	BizType       string             `gorm:"column:biz_type;not null;uniqueIndex:ux_idempotency_tenant_biz_key,priority:2"`
	IdemKey       string             `gorm:"column:idem_key;not null;uniqueIndex:ux_idempotency_tenant_biz_key,priority:3"`
	RequestHash   string             `gorm:"column:request_hash;not null"`
	Status        enums.RecordStatus `gorm:"column:status;not null"`
	ResultRef     *string            `gorm:"column:result_ref"`
	ResultPayload json.RawMessage    `gorm:"column:result_payload"`
	ErrorCode     *string            `gorm:"column:error_code"`
	ErrorMsg      *string            `gorm:"column:error_msg"`
	ExpireAt      *time.Time         `gorm:"column:expire_at"`
	LockUntil     *time.Time         `gorm:"column:lock_until"`
	Version       int                `gorm:"column:version;not null;default:1"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}
