package consume

import (
	"context"
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

const (
	defaultLeaseTTL = 30 * time.Second
	defaultWaitPoll = 100 * time.Millisecond

	acquireAttempts = 3
)

// Event identifies the envelope being consumed.
type Event struct {
	ID       string
	Type     string
	TenantID *uuid.UUID
}

// Options tune one consumption.
type Options struct {
	LeaseTTL         time.Duration
	MaxRetries       int
	WaitIfInProgress bool
	WaitMax          time.Duration
}

// Outcome reports what the template did with the event.
type Outcome struct {
	Executed   bool
	Replayed   bool
	InProgress bool
	Terminal   bool
	RetryCount int
}

// HandlerFunc runs the consumer's side effects inside the supplied
// transaction.
type HandlerFunc func(ctx context.Context, tx *gorm.DB) error

type recordStore interface {
	Find(ctx context.Context, consumerGroup, eventID string) (*models.ConsumeRecord, error)
	Insert(ctx context.Context, rec *models.ConsumeRecord) error
	TakeOver(ctx context.Context, id uuid.UUID, expectedVersion int, lockUntil, now time.Time) (bool, error)
	MarkSucceededTx(tx *gorm.DB, id uuid.UUID, version int) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, version, retryCount int, lastError string) (bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// TemplateParams configure the template.
type TemplateParams struct {
	DB         txRunner
	Repository recordStore
	Clock      clock.Clock
	Logger     *logger.Logger
	WaitPoll   time.Duration
}

// Template wraps a handler invocation with consumer-group + event-id
// deduplication and lease-based mutual exclusion. Handler side effects and the
// SUCCEEDED bookkeeping commit in one transaction, which makes at-least-once
// outbox delivery safe for non-idempotent handler code.
type Template struct {
	db       txRunner
	repo     recordStore
	clock    clock.Clock
	logg     *logger.Logger
	waitPoll time.Duration
}

func NewTemplate(params TemplateParams) (*Template, error) {
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Repository == nil {
		return nil, errors.New("record repository is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	clk := params.Clock
	if clk == nil {
		clk = clock.System{}
	}
	waitPoll := params.WaitPoll
	if waitPoll <= 0 {
		waitPoll = defaultWaitPoll
	}
	return &Template{
		db:       params.DB,
		repo:     params.Repository,
		clock:    clk,
		logg:     params.Logger,
		waitPoll: waitPoll,
	}, nil
}

// Consume runs handler for the event at most once per accepted generation for
// the consumer group. Returns the outcome and, when the handler failed this
// call, the handler error.
func (t *Template) Consume(ctx context.Context, consumerGroup string, event Event, handler HandlerFunc, opts Options) (Outcome, error) {
	if consumerGroup == "" {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "consumer group is required")
	}
	if event.ID == "" {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "event id is required")
	}
	if handler == nil {
		return Outcome{}, pkgerrors.New(pkgerrors.CodeValidation, "handler is required")
	}

	ctx = t.logg.WithConsumerGroup(ctx, consumerGroup)

	rec, state, err := t.acquire(ctx, consumerGroup, event, opts)
	if err != nil {
		return Outcome{}, err
	}

	switch state {
	case stateReplaySucceeded:
		return Outcome{Replayed: true, RetryCount: rec.RetryCount}, nil

	case stateReplayFailed:
		msg := "event previously failed and exhausted retries"
		if rec.LastError != nil && *rec.LastError != "" {
			msg = *rec.LastError
		}
		return Outcome{Terminal: true, RetryCount: rec.RetryCount},
			pkgerrors.New(pkgerrors.CodeTerminalFailure, msg)

	case stateInProgress:
		if !opts.WaitIfInProgress {
			return Outcome{InProgress: true}, nil
		}
		return t.await(ctx, consumerGroup, event, opts)

	case stateAcquired:
		return t.runGeneration(ctx, rec, handler, opts)
	}

	return Outcome{InProgress: true}, nil
}

type acquireState string

const (
	stateAcquired        acquireState = "acquired"
	stateReplaySucceeded acquireState = "replay_succeeded"
	stateReplayFailed    acquireState = "replay_failed"
	stateInProgress      acquireState = "in_progress"
)

func (t *Template) acquire(ctx context.Context, consumerGroup string, event Event, opts Options) (*models.ConsumeRecord, acquireState, error) {
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := t.clock.Now()

		rec, err := t.repo.Find(ctx, consumerGroup, event.ID)
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read consume record")
		}

		if rec == nil {
			lockUntil := now.Add(leaseTTL)
			fresh := &models.ConsumeRecord{
				TenantID:      event.TenantID,
				ConsumerGroup: consumerGroup,
				EventID:       event.ID,
				EventType:     event.Type,
				Status:        enums.RecordStatusProcessing,
				LockUntil:     &lockUntil,
				Version:       1,
			}
			if insErr := t.repo.Insert(ctx, fresh); insErr != nil {
				if dbpkg.IsUniqueViolation(insErr, "") {
					continue
				}
				return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, insErr, "insert consume record")
			}
			return fresh, stateAcquired, nil
		}

		switch rec.Status {
		case enums.RecordStatusSucceeded:
			return rec, stateReplaySucceeded, nil

		case enums.RecordStatusFailed:
			if opts.MaxRetries > 0 && rec.RetryCount >= opts.MaxRetries {
				return rec, stateReplayFailed, nil
			}

		case enums.RecordStatusProcessing:
			if rec.LockUntil != nil && now.Before(*rec.LockUntil) {
				return rec, stateInProgress, nil
			}
		}

		ok, err := t.repo.TakeOver(ctx, rec.ID, rec.Version, now.Add(leaseTTL), now)
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "take over consume record")
		}
		if ok {
			lockUntil := now.Add(leaseTTL)
			rec.Status = enums.RecordStatusProcessing
			rec.Version++
			rec.LockUntil = &lockUntil
			return rec, stateAcquired, nil
		}
	}

	return nil, stateInProgress, nil
}

func (t *Template) runGeneration(ctx context.Context, rec *models.ConsumeRecord, handler HandlerFunc, opts Options) (Outcome, error) {
	handlerErr := t.db.WithTx(ctx, func(tx *gorm.DB) error {
		if err := handler(ctx, tx); err != nil {
			return err
		}
		ok, err := t.repo.MarkSucceededTx(tx, rec.ID, rec.Version)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("consume record changed during handler execution")
		}
		return nil
	})

	if handlerErr == nil {
		return Outcome{Executed: true, RetryCount: rec.RetryCount}, nil
	}

	retryCount := rec.RetryCount + 1
	if _, markErr := t.repo.MarkFailed(ctx, rec.ID, rec.Version, retryCount, handlerErr.Error()); markErr != nil {
		t.logg.Error(ctx, "failed to record consume failure", markErr)
	}
	return Outcome{RetryCount: retryCount}, handlerErr
}

// await polls the record until a terminal state or the wait deadline.
func (t *Template) await(ctx context.Context, consumerGroup string, event Event, opts Options) (Outcome, error) {
	deadline := t.clock.Now().Add(opts.WaitMax)
	for {
		if err := sleepCtx(ctx, t.waitPoll); err != nil {
			return Outcome{}, err
		}

		rec, err := t.repo.Find(ctx, consumerGroup, event.ID)
		if err != nil {
			return Outcome{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "poll consume record")
		}
		if rec != nil {
			switch rec.Status {
			case enums.RecordStatusSucceeded:
				return Outcome{Replayed: true, RetryCount: rec.RetryCount}, nil
			case enums.RecordStatusFailed:
				msg := "event failed while waiting"
				if rec.LastError != nil && *rec.LastError != "" {
					msg = *rec.LastError
				}
				if opts.MaxRetries > 0 && rec.RetryCount >= opts.MaxRetries {
					return Outcome{Terminal: true, RetryCount: rec.RetryCount},
						pkgerrors.New(pkgerrors.CodeTerminalFailure, msg)
				}
				return Outcome{RetryCount: rec.RetryCount}, errors.New(msg)
			}
		}

		if !t.clock.Now().Before(deadline) {
			return Outcome{InProgress: true}, nil
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
