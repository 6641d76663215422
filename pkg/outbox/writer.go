package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/clock"
	dbpkg "github.com/mercaro-io/backoffice/pkg/db"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	pkgerrors "github.com/mercaro-io/backoffice/pkg/errors"
	"github.com/mercaro-io/backoffice/pkg/logger"
)

// DomainEvent is what callers emit. EventKey defaults to the generated event
// id; supply one when a logical dedup key exists (order id, payment id).
type DomainEvent struct {
	EventType  enums.OutboxEventType
	EventKey   string
	TenantID   *uuid.UUID
	Headers    map[string]string
	Data       interface{}
	Version    int
	OccurredAt time.Time
}

// Writer persists outbox rows inside the caller's transaction. The row and the
// business mutation commit or roll back together.
type Writer struct {
	repo  *Repository
	clock clock.Clock
	logg  *logger.Logger
}

func NewWriter(repo *Repository, clk clock.Clock, logg *logger.Logger) *Writer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Writer{repo: repo, clock: clk, logg: logg}
}

// Emit queues the event in tx. It becomes visible to the dispatcher only when
// the caller's transaction commits.
func (w *Writer) Emit(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if !event.EventType.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown event type "+string(event.EventType))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal event data")
	}

	now := w.clock.Now()
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}
	version := event.Version
	if version <= 0 {
		version = 1
	}
	eventID := uuid.NewString()
	eventKey := event.EventKey
	if eventKey == "" {
		eventKey = eventID
	}

	payload, err := json.Marshal(payloadEnvelope{
		Version:    version,
		EventID:    eventID,
		OccurredAt: occurredAt,
		Data:       data,
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal payload envelope")
	}

	var headers json.RawMessage
	if len(event.Headers) > 0 {
		headers, err = json.Marshal(event.Headers)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "marshal event headers")
		}
	}

	row := models.OutboxMessage{
		EventType:   event.EventType,
		EventKey:    eventKey,
		Payload:     payload,
		Headers:     headers,
		TenantID:    event.TenantID,
		Status:      enums.OutboxStatusNew,
		NextRetryAt: now,
	}
	if err := w.repo.Insert(tx, &row); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert outbox message")
	}

	if w.logg != nil {
		fields := map[string]any{
			"event_id":   eventID,
			"event_type": event.EventType,
			"event_key":  eventKey,
		}
		if event.TenantID != nil {
			fields["tenant_id"] = event.TenantID.String()
		}
		w.logg.Info(w.logg.WithFields(ctx, fields), "outbox event queued")
	}
	return nil
}

// EmitIfNotExists queues the event unless a message with the same event type
// and key was already emitted. Losing the insert race to a concurrent emitter
// counts as already emitted; the unique index on (event_type, event_key) is
// the backstop.
func (w *Writer) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event DomainEvent) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if event.EventKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "event key is required for deduplicated emit")
	}
	exists, err := w.repo.ExistsTx(tx, event.EventType, event.EventKey)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check outbox message existence")
	}
	if exists {
		return nil
	}
	if err := w.Emit(ctx, tx, event); err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return nil
		}
		return err
	}
	return nil
}

// decodeEnvelope rebuilds the handler-facing envelope from a stored row.
func decodeEnvelope(msg models.OutboxMessage) (Envelope, error) {
	var payload payloadEnvelope
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return Envelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode payload envelope")
	}
	if payload.EventID == "" {
		return Envelope{}, pkgerrors.New(pkgerrors.CodeValidation, "payload envelope missing event id")
	}

	var headers map[string]string
	if len(msg.Headers) > 0 {
		if err := json.Unmarshal(msg.Headers, &headers); err != nil {
			return Envelope{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode event headers")
		}
	}

	occurredAt := payload.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = msg.CreatedAt
	}

	return Envelope{
		Version:    payload.Version,
		EventID:    payload.EventID,
		EventType:  msg.EventType,
		EventKey:   msg.EventKey,
		TenantID:   msg.TenantID,
		OccurredAt: occurredAt,
		Headers:    headers,
		Data:       payload.Data,
	}, nil
}
