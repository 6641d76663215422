package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/mercaro-io/backoffice/pkg/enums"
)

// HeaderTraceID is the envelope header carrying the emitter's trace id. The
// dispatcher threads it into the handler's logging context.
const HeaderTraceID = "trace_id"

// Envelope is the decoded form of one outbox row handed to event handlers.
type Envelope struct {
	Version    int
	EventID    string
	EventType  enums.OutboxEventType
	EventKey   string
	TenantID   *uuid.UUID
	OccurredAt time.Time
	Headers    map[string]string
	Data       json.RawMessage
}

// payloadEnvelope is the stable payload structure stored in outbox_messages.
// Routing fields (event type, key, tenant) live in their own columns.
type payloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}
