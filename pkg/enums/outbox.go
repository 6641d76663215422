package enums

import "fmt"

// OutboxStatus maps to the outbox_status enum in Postgres.
type OutboxStatus string

const (
	OutboxStatusNew       OutboxStatus = "new"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusDone      OutboxStatus = "done"
	OutboxStatusFailed    OutboxStatus = "failed"
	OutboxStatusDead      OutboxStatus = "dead"
)

var validOutboxStatuses = []OutboxStatus{
	OutboxStatusNew,
	OutboxStatusPublished,
	OutboxStatusDone,
	OutboxStatusFailed,
	OutboxStatusDead,
}

// IsValid reports whether the value matches the canonical outbox_status enum.
func (s OutboxStatus) IsValid() bool {
	for _, candidate := range validOutboxStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventTenantProvisioned     OutboxEventType = "tenant_provisioned"
	EventStoreCreated          OutboxEventType = "store_created"
	EventOrderCreated          OutboxEventType = "order_created"
	EventOrderPaid             OutboxEventType = "order_paid"
	EventOrderCanceled         OutboxEventType = "order_canceled"
	EventPaymentCaptured       OutboxEventType = "payment_captured"
	EventPaymentFailed         OutboxEventType = "payment_failed"
	EventRefundIssued          OutboxEventType = "refund_issued"
	EventWalletCredited        OutboxEventType = "wallet_credited"
	EventWalletDebited         OutboxEventType = "wallet_debited"
	EventCampaignActivated     OutboxEventType = "campaign_activated"
	EventCampaignEnded         OutboxEventType = "campaign_ended"
	EventCouponRedeemed        OutboxEventType = "coupon_redeemed"
	EventNotificationRequested OutboxEventType = "notification_requested"
)

var validOutboxEventTypes = []OutboxEventType{
	EventTenantProvisioned,
	EventStoreCreated,
	EventOrderCreated,
	EventOrderPaid,
	EventOrderCanceled,
	EventPaymentCaptured,
	EventPaymentFailed,
	EventRefundIssued,
	EventWalletCredited,
	EventWalletDebited,
	EventCampaignActivated,
	EventCampaignEnded,
	EventCouponRedeemed,
	EventNotificationRequested,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validOutboxEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// ParseOutboxEventType converts raw input into OutboxEventType.
func ParseOutboxEventType(value string) (OutboxEventType, error) {
	for _, candidate := range validOutboxEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
