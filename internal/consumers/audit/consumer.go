package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	"github.com/mercaro-io/backoffice/pkg/logger"
	"github.com/mercaro-io/backoffice/pkg/outbox"
)

const consumerName = "audit"

// Consumer appends one audit_logs row per delivered domain event. It
// subscribes to every event type, so the audit trail is a complete history of
// what the dispatcher delivered. The insert runs in the consumption template's
// transaction, so a redelivered event never produces a duplicate row.
type Consumer struct {
	logg *logger.Logger
}

func NewConsumer(logg *logger.Logger) (*Consumer, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Consumer{logg: logg}, nil
}

func (c *Consumer) Name() string {
	return consumerName
}

func (c *Consumer) EventTypes() []enums.OutboxEventType {
	return []enums.OutboxEventType{
		enums.EventTenantProvisioned,
		enums.EventStoreCreated,
		enums.EventOrderCreated,
		enums.EventOrderPaid,
		enums.EventOrderCanceled,
		enums.EventPaymentCaptured,
		enums.EventPaymentFailed,
		enums.EventRefundIssued,
		enums.EventWalletCredited,
		enums.EventWalletDebited,
		enums.EventCampaignActivated,
		enums.EventCampaignEnded,
		enums.EventCouponRedeemed,
		enums.EventNotificationRequested,
	}
}

// Handle records the event.
func (c *Consumer) Handle(ctx context.Context, tx *gorm.DB, env outbox.Envelope) error {
	if env.EventID == "" {
		return fmt.Errorf("event id missing")
	}
	row := models.AuditLog{
		ID:         uuid.New(),
		EventID:    env.EventID,
		EventType:  env.EventType,
		TenantID:   env.TenantID,
		Payload:    env.Data,
		OccurredAt: env.OccurredAt,
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	c.logg.Info(c.logg.WithEventID(ctx, env.EventID), "audit log recorded")
	return nil
}
