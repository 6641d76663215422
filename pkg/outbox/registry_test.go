package outbox

import (
	"context"
	"testing"

	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

type stubHandler struct {
	name  string
	types []enums.OutboxEventType
	fn    func(ctx context.Context, tx *gorm.DB, env Envelope) error
}

func (h *stubHandler) Name() string                        { return h.name }
func (h *stubHandler) EventTypes() []enums.OutboxEventType { return h.types }
func (h *stubHandler) Handle(ctx context.Context, tx *gorm.DB, env Envelope) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, tx, env)
}

func TestRegistryRoutesByEventType(t *testing.T) {
	reg := NewRegistry()
	audit := &stubHandler{name: "audit", types: []enums.OutboxEventType{enums.EventOrderCreated, enums.EventOrderPaid}}
	billing := &stubHandler{name: "billing", types: []enums.OutboxEventType{enums.EventOrderPaid}}

	if err := reg.Register(audit); err != nil {
		t.Fatalf("register audit: %v", err)
	}
	if err := reg.Register(billing); err != nil {
		t.Fatalf("register billing: %v", err)
	}

	handlers := reg.HandlersFor(enums.EventOrderPaid)
	if len(handlers) != 2 {
		t.Fatalf("expected 2 handlers for order_paid, got %d", len(handlers))
	}
	if handlers[0].Name() != "audit" || handlers[1].Name() != "billing" {
		t.Fatalf("registration order not preserved: %s, %s", handlers[0].Name(), handlers[1].Name())
	}
	if got := reg.HandlersFor(enums.EventRefundIssued); len(got) != 0 {
		t.Fatalf("expected no handlers for refund_issued, got %d", len(got))
	}
}

func TestRegistryRejectsBadHandlers(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(nil); err == nil {
		t.Fatal("nil handler must be rejected")
	}
	if err := reg.Register(&stubHandler{name: "", types: []enums.OutboxEventType{enums.EventOrderCreated}}); err == nil {
		t.Fatal("unnamed handler must be rejected")
	}
	if err := reg.Register(&stubHandler{name: "empty"}); err == nil {
		t.Fatal("handler without event types must be rejected")
	}
	if err := reg.Register(&stubHandler{name: "bad", types: []enums.OutboxEventType{"mystery"}}); err == nil {
		t.Fatal("unknown event type must be rejected")
	}

	ok := &stubHandler{name: "audit", types: []enums.OutboxEventType{enums.EventOrderCreated}}
	if err := reg.Register(ok); err != nil {
		t.Fatalf("register: %v", err)
	}
	dup := &stubHandler{name: "audit", types: []enums.OutboxEventType{enums.EventOrderPaid}}
	if err := reg.Register(dup); err == nil {
		t.Fatal("duplicate handler name must be rejected")
	}
}
