package outbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/backoff"
	"github.com/mercaro-io/backoffice/pkg/clock"
	"github.com/mercaro-io/backoffice/pkg/consume"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	pkgerrors "github.com/mercaro-io/backoffice/pkg/errors"
	"github.com/mercaro-io/backoffice/pkg/logger"
	"github.com/mercaro-io/backoffice/pkg/metrics"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// DispatcherParams configure the dispatcher.
type DispatcherParams struct {
	DB         txRunner
	Repository *Repository
	DLQ        *DLQRepository
	Registry   *Registry
	Template   *consume.Template
	Clock      clock.Clock
	Logger     *logger.Logger
	Metrics    *metrics.OutboxMetrics

	BatchSize       int
	ClaimLeaseTTL   time.Duration
	MaxRetries      int
	Backoff         backoff.Policy
	ConsumeLeaseTTL time.Duration
}

// Dispatcher drains due outbox rows: claim under a lease, decode, route to the
// subscribed handler groups through the consumption template, then mark the
// row done, failed with a backoff schedule, or dead with a DLQ entry.
type Dispatcher struct {
	db       txRunner
	repo     *Repository
	dlq      *DLQRepository
	registry *Registry
	template *consume.Template
	clock    clock.Clock
	logg     *logger.Logger
	mtr      *metrics.OutboxMetrics

	batchSize       int
	claimLeaseTTL   time.Duration
	maxRetries      int
	policy          backoff.Policy
	consumeLeaseTTL time.Duration
}

// DispatchStats summarize one batch.
type DispatchStats struct {
	Fetched    int
	Done       int
	Retried    int
	Dead       int
	ClaimsLost int
	Unmatched  int
}

func NewDispatcher(params DispatcherParams) (*Dispatcher, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("outbox repository is required")
	}
	if params.DLQ == nil {
		return nil, errors.New("dlq repository is required")
	}
	if params.Registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if params.Template == nil {
		return nil, errors.New("consumption template is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.System{}
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	claimLeaseTTL := params.ClaimLeaseTTL
	if claimLeaseTTL <= 0 {
		claimLeaseTTL = time.Minute
	}
	maxRetries := params.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	policy := params.Backoff
	if policy.Base <= 0 {
		policy = backoff.Default()
	}
	consumeLeaseTTL := params.ConsumeLeaseTTL
	if consumeLeaseTTL <= 0 {
		consumeLeaseTTL = 30 * time.Second
	}
	return &Dispatcher{
		db:              params.DB,
		repo:            params.Repository,
		dlq:             params.DLQ,
		registry:        params.Registry,
		template:        params.Template,
		clock:           clk,
		logg:            params.Logger,
		mtr:             params.Metrics,
		batchSize:       batchSize,
		claimLeaseTTL:   claimLeaseTTL,
		maxRetries:      maxRetries,
		policy:          policy,
		consumeLeaseTTL: consumeLeaseTTL,
	}, nil
}

// DispatchDueMessages processes one batch of due rows. The returned error
// covers infrastructure trouble only; individual handler failures are recorded
// on their rows and retried on the backoff schedule.
func (d *Dispatcher) DispatchDueMessages(ctx context.Context) (DispatchStats, error) {
	started := d.clock.Now()
	var stats DispatchStats

	rows, err := d.repo.FetchDue(ctx, started, d.batchSize)
	if err != nil {
		return stats, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "fetch due outbox messages")
	}
	stats.Fetched = len(rows)

	var infraErr error
	for _, msg := range rows {
		if ctx.Err() != nil {
			infraErr = multierr.Append(infraErr, ctx.Err())
			break
		}
		if err := d.dispatchOne(ctx, msg, &stats); err != nil {
			infraErr = multierr.Append(infraErr, err)
		}
	}

	d.mtr.ObserveBatch(d.clock.Now().Sub(started))
	return stats, infraErr
}

func (d *Dispatcher) dispatchOne(ctx context.Context, msg models.OutboxMessage, stats *DispatchStats) error {
	now := d.clock.Now()
	logCtx := d.logg.WithFields(ctx, map[string]any{
		"message_id": msg.ID.String(),
		"event_type": msg.EventType,
	})

	ok, err := d.repo.Claim(ctx, msg, now.Add(d.claimLeaseTTL), now)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim outbox message")
	}
	if !ok {
		stats.ClaimsLost++
		d.mtr.IncClaimLost()
		return nil
	}

	env, decErr := decodeEnvelope(msg)
	if decErr != nil {
		d.logg.Error(logCtx, "outbox message payload is unreadable", decErr)
		return d.deadLetter(ctx, msg, enums.OutboxDLQReasonNonRetryable, decErr, stats)
	}
	logCtx = d.logg.WithEventID(logCtx, env.EventID)
	if env.TenantID != nil {
		logCtx = d.logg.WithTenantID(logCtx, env.TenantID.String())
	}
	if trace := env.Headers[HeaderTraceID]; trace != "" {
		logCtx = d.logg.WithTraceID(logCtx, trace)
	}

	handlers := d.registry.HandlersFor(msg.EventType)
	if len(handlers) == 0 {
		stats.Unmatched++
		d.logg.Warn(logCtx, "no handler registered for event type, marking done")
		return d.markDone(ctx, msg, stats)
	}

	var handlerErr error
	nonRetryable := false
	for _, handler := range handlers {
		group := handler.Name()
		outcome, consumeErr := d.template.Consume(logCtx, group, consume.Event{
			ID:       env.EventID,
			Type:     string(env.EventType),
			TenantID: env.TenantID,
		}, func(hctx context.Context, tx *gorm.DB) error {
			return handler.Handle(hctx, tx, env)
		}, consume.Options{
			LeaseTTL:   d.consumeLeaseTTL,
			MaxRetries: d.maxRetries,
		})

		switch {
		case consumeErr != nil:
			if outcome.Terminal || backoff.IsNonRetryable(consumeErr) {
				nonRetryable = true
			}
			handlerErr = multierr.Append(handlerErr, consumeErr)
		case outcome.InProgress:
			handlerErr = multierr.Append(handlerErr,
				pkgerrors.New(pkgerrors.CodeInProgress, "handler group "+group+" is busy"))
		}
	}

	if handlerErr == nil {
		return d.markDone(ctx, msg, stats)
	}
	if nonRetryable {
		d.logg.Error(logCtx, "outbox message failed terminally", handlerErr)
		return d.deadLetter(ctx, msg, enums.OutboxDLQReasonNonRetryable, handlerErr, stats)
	}

	retryCount := msg.RetryCount + 1
	if retryCount > d.maxRetries {
		d.logg.Error(logCtx, "outbox message exhausted retries", handlerErr)
		return d.deadLetter(ctx, msg, enums.OutboxDLQReasonMaxAttempts, handlerErr, stats)
	}

	nextRetryAt := now.Add(d.policy.Delay(retryCount))
	if err := d.repo.MarkFailed(ctx, msg.ID, retryCount, nextRetryAt, handlerErr.Error()); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark outbox message failed")
	}
	stats.Retried++
	d.mtr.IncRetried(string(msg.EventType))
	d.logg.Warn(d.logg.WithFields(logCtx, map[string]any{
		"retry_count":   retryCount,
		"next_retry_at": nextRetryAt,
	}), "outbox message scheduled for retry")
	return nil
}

func (d *Dispatcher) markDone(ctx context.Context, msg models.OutboxMessage, stats *DispatchStats) error {
	if err := d.repo.MarkDone(ctx, msg.ID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark outbox message done")
	}
	stats.Done++
	d.mtr.IncDispatched(string(msg.EventType))
	return nil
}

func (d *Dispatcher) deadLetter(ctx context.Context, msg models.OutboxMessage, reason enums.OutboxDLQErrorReason, cause error, stats *DispatchStats) error {
	retryCount := msg.RetryCount
	if reason == enums.OutboxDLQReasonMaxAttempts {
		retryCount++
	}
	errMsg := cause.Error()
	entry := models.OutboxDLQ{
		MessageID:    msg.ID,
		EventType:    msg.EventType,
		EventKey:     msg.EventKey,
		TenantID:     msg.TenantID,
		Payload:      msg.Payload,
		ErrorReason:  reason,
		ErrorMessage: &errMsg,
		RetryCount:   retryCount,
		FailedAt:     d.clock.Now(),
	}
	err := d.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := d.repo.MarkDeadTx(tx, msg.ID, retryCount, errMsg); err != nil {
			return err
		}
		return d.dlq.InsertTx(tx, entry)
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "dead-letter outbox message")
	}
	stats.Dead++
	d.mtr.IncDeadLettered(string(msg.EventType))
	return nil
}
