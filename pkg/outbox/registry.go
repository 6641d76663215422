package outbox

import (
	"context"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// Handler consumes dispatched events for one consumer group. Handle runs
// inside a transaction managed by the consumption template; side effects
// commit together with the group's dedup record.
type Handler interface {
	Name() string
	EventTypes() []enums.OutboxEventType
	Handle(ctx context.Context, tx *gorm.DB, env Envelope) error
}

// Registry maps event types to the handlers subscribed to them. Registration
// order is preserved so dispatch order is deterministic.
type Registry struct {
	mtx     sync.RWMutex
	names   map[string]bool
	entries map[enums.OutboxEventType][]Handler
}

func NewRegistry() *Registry {
	return &Registry{
		names:   make(map[string]bool),
		entries: make(map[enums.OutboxEventType][]Handler),
	}
}

// Register subscribes the handler to all its event types. Handler names double
// as consumer groups and must be unique.
func (r *Registry) Register(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	name := handler.Name()
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	types := handler.EventTypes()
	if len(types) == 0 {
		return fmt.Errorf("handler %s subscribes to no event types", name)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.names[name] {
		return fmt.Errorf("handler %s already registered", name)
	}
	for _, eventType := range types {
		if !eventType.IsValid() {
			return fmt.Errorf("handler %s subscribes to unknown event type %s", name, eventType)
		}
		r.entries[eventType] = append(r.entries[eventType], handler)
	}
	r.names[name] = true
	return nil
}

// HandlersFor returns the handlers subscribed to the event type, in
// registration order.
func (r *Registry) HandlersFor(eventType enums.OutboxEventType) []Handler {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return r.entries[eventType]
}
