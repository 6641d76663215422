package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/backoff"
	"github.com/mercaro-io/backoffice/pkg/clock"
	dbpkg "github.com/mercaro-io/backoffice/pkg/db"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	pkgerrors "github.com/mercaro-io/backoffice/pkg/errors"
	"github.com/mercaro-io/backoffice/pkg/logger"
)

const (
	defaultRecordTTL = 7 * 24 * time.Hour
	defaultLeaseTTL  = 30 * time.Second
	defaultWaitPoll  = 100 * time.Millisecond

	// acquireAttempts bounds the insert/take-over race loop.
	acquireAttempts = 3
)

// AcquireState is the outcome of the atomic acquisition step.
type AcquireState string

const (
	StateAcquired        AcquireState = "acquired"
	StateConflict        AcquireState = "conflict"
	StateReplaySucceeded AcquireState = "replay_succeeded"
	StateReplayFailed    AcquireState = "replay_failed"
	StateInProgress      AcquireState = "in_progress"
)

// Request identifies one logical command execution.
type Request struct {
	TenantID    uuid.UUID
	BizType     string
	IdemKey     string
	RequestHash string

	RecordTTL        time.Duration
	LeaseTTL         time.Duration
	WaitIfInProgress bool
	WaitMax          time.Duration
}

// Result carries the unit-of-work value and whether it was replayed from a
// previous generation instead of executed.
type Result[T any] struct {
	Value    T
	Replayed bool
}

type recordStore interface {
	Find(ctx context.Context, tenantID uuid.UUID, bizType, idemKey string) (*models.IdempotencyRecord, error)
	Insert(ctx context.Context, rec *models.IdempotencyRecord) error
	TakeOver(ctx context.Context, id uuid.UUID, expectedVersion int, lockUntil, now time.Time) (bool, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, version int, resultRef *string, resultPayload json.RawMessage, expireAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, version int, errCode, errMsg string) (bool, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// ExecutorParams configure the executor.
type ExecutorParams struct {
	DB         txRunner
	Repository recordStore
	Clock      clock.Clock
	Logger     *logger.Logger
	WaitPoll   time.Duration
}

// Executor wraps an arbitrary unit of work with acquire/execute/commit-or-fail
// semantics keyed by a caller-supplied idempotency key. For any fixed key the
// unit of work runs at most once per accepted generation regardless of how
// many callers race.
type Executor struct {
	db       txRunner
	repo     recordStore
	clock    clock.Clock
	logg     *logger.Logger
	waitPoll time.Duration
}

func NewExecutor(params ExecutorParams) (*Executor, error) {
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
	return &Executor{
		db:       params.DB,
		repo:     params.Repository,
		clock:    clk,
		logg:     params.Logger,
		waitPoll: waitPoll,
	}, nil
}

// HashRequest digests a request payload into the request fingerprint used for
// conflict detection.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Execute runs fn under the idempotency protocol. A replayed result is decoded
// from the stored payload without invoking fn.
func Execute[T any](ctx context.Context, ex *Executor, req Request, fn func(ctx context.Context, tx *gorm.DB) (T, error)) (Result[T], error) {
	var zero Result[T]

	if err := validateRequest(req); err != nil {
		return zero, err
	}

	rec, state, err := ex.acquire(ctx, req)
	if err != nil {
		return zero, err
	}

	switch state {
	case StateConflict:
		return zero, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request hash")

	case StateReplaySucceeded:
		return decodeReplay[T](rec)

	case StateReplayFailed:
		return zero, replayFailure(rec)

	case StateInProgress:
		if !req.WaitIfInProgress {
			return zero, pkgerrors.New(pkgerrors.CodeInProgress, "another execution holds the lease")
		}
		return awaitOutcome[T](ctx, ex, req)

	case StateAcquired:
		return runGeneration(ctx, ex, req, rec, fn)
	}

	return zero, pkgerrors.New(pkgerrors.CodeInternal, fmt.Sprintf("unexpected acquisition state %s", state))
}

func validateRequest(req Request) error {
	if req.TenantID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "tenant id is required")
	}
	if req.BizType == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "biz type is required")
	}
	if req.IdemKey == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	if req.RequestHash == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "request hash is required")
	}
	return nil
}

// acquire resolves the acquisition state machine against the record store.
// All transitions are single atomic statements; losing a race re-reads and
// re-evaluates up to acquireAttempts times.
func (ex *Executor) acquire(ctx context.Context, req Request) (*models.IdempotencyRecord, AcquireState, error) {
	leaseTTL := req.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	for attempt := 0; attempt < acquireAttempts; attempt++ {
		now := ex.clock.Now()

		rec, err := ex.repo.Find(ctx, req.TenantID, req.BizType, req.IdemKey)
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read idempotency record")
		}

		if rec == nil {
			fresh := &models.IdempotencyRecord{
				TenantID:    req.TenantID,
				BizType:     req.BizType,
				IdemKey:     req.IdemKey,
				RequestHash: req.RequestHash,
				Status:      enums.RecordStatusProcessing,
				LockUntil:   ptrTime(now.Add(leaseTTL)),
				Version:     1,
			}
			if insErr := ex.repo.Insert(ctx, fresh); insErr != nil {
				if dbpkg.IsUniqueViolation(insErr, "") {
					continue
				}
				return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, insErr, "insert idempotency record")
			}
			return fresh, StateAcquired, nil
		}

		if rec.RequestHash != req.RequestHash {
			return rec, StateConflict, nil
		}

		switch rec.Status {
		case enums.RecordStatusSucceeded:
			if rec.ExpireAt == nil || now.Before(*rec.ExpireAt) {
				return rec, StateReplaySucceeded, nil
			}
			// replay window elapsed, eligible for a new generation

		case enums.RecordStatusFailed:
			if rec.ErrorCode != nil && *rec.ErrorCode == string(pkgerrors.CodeTerminalFailure) {
				return rec, StateReplayFailed, nil
			}

		case enums.RecordStatusProcessing:
			if rec.LockUntil != nil && now.Before(*rec.LockUntil) {
				return rec, StateInProgress, nil
			}
		}

		ok, err := ex.repo.TakeOver(ctx, rec.ID, rec.Version, now.Add(leaseTTL), now)
		if err != nil {
			return nil, "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "take over idempotency record")
		}
		if ok {
			rec.Status = enums.RecordStatusProcessing
			rec.Version++
			rec.LockUntil = ptrTime(now.Add(leaseTTL))
			return rec, StateAcquired, nil
		}
		// lost the race, re-read and re-evaluate
	}

	return nil, StateInProgress, nil
}

func runGeneration[T any](ctx context.Context, ex *Executor, req Request, rec *models.IdempotencyRecord, fn func(ctx context.Context, tx *gorm.DB) (T, error)) (Result[T], error) {
	var zero Result[T]
	var value T

	execErr := ex.db.WithTx(ctx, func(tx *gorm.DB) error {
		out, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		value = out
		return nil
	})

	if execErr != nil {
		code := string(pkgerrors.CodeInternal)
		if backoff.IsNonRetryable(execErr) {
			code = string(pkgerrors.CodeTerminalFailure)
		} else if typed := pkgerrors.As(execErr); typed != nil {
			code = string(typed.Code())
		}
		if _, markErr := ex.repo.MarkFailed(ctx, rec.ID, rec.Version, code, execErr.Error()); markErr != nil {
			ex.logg.Error(ctx, "failed to record idempotency failure", markErr)
		}
		return zero, execErr
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return zero, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode idempotency result")
	}

	recordTTL := req.RecordTTL
	if recordTTL <= 0 {
		recordTTL = defaultRecordTTL
	}
	expireAt := ex.clock.Now().Add(recordTTL)
	if _, err := ex.repo.MarkSucceeded(ctx, rec.ID, rec.Version, nil, payload, expireAt); err != nil {
		// the business write committed; surface the value and log the bookkeeping miss
		ex.logg.Error(ctx, "failed to record idempotency success", err)
	}

	return Result[T]{Value: value}, nil
}

// awaitOutcome polls the record until a terminal state or the wait deadline.
func awaitOutcome[T any](ctx context.Context, ex *Executor, req Request) (Result[T], error) {
	var zero Result[T]

	deadline := ex.clock.Now().Add(req.WaitMax)
	for {
		if err := sleepCtx(ctx, ex.waitPoll); err != nil {
			return zero, err
		}

		rec, err := ex.repo.Find(ctx, req.TenantID, req.BizType, req.IdemKey)
		if err != nil {
			return zero, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "poll idempotency record")
		}
		if rec != nil {
			switch rec.Status {
			case enums.RecordStatusSucceeded:
				return decodeReplay[T](rec)
			case enums.RecordStatusFailed:
				if rec.ErrorCode != nil && *rec.ErrorCode == string(pkgerrors.CodeTerminalFailure) {
					return zero, replayFailure(rec)
				}
				return zero, waitFailure(rec)
			}
		}

		if !ex.clock.Now().Before(deadline) {
			return zero, pkgerrors.New(pkgerrors.CodeInProgress, "wait deadline elapsed while request was in progress")
		}
	}
}

func decodeReplay[T any](rec *models.IdempotencyRecord) (Result[T], error) {
	var value T
	if len(rec.ResultPayload) > 0 {
		if err := json.Unmarshal(rec.ResultPayload, &value); err != nil {
			return Result[T]{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode stored idempotency result")
		}
	}
	return Result[T]{Value: value, Replayed: true}, nil
}

func replayFailure(rec *models.IdempotencyRecord) error {
	msg := "request previously failed"
	if rec.ErrorMsg != nil && *rec.ErrorMsg != "" {
		msg = *rec.ErrorMsg
	}
	return pkgerrors.New(pkgerrors.CodeTerminalFailure, msg)
}

// waitFailure surfaces a retryable failure observed while waiting with the
// code the winning generation recorded, never TERMINAL_FAILURE.
func waitFailure(rec *models.IdempotencyRecord) error {
	msg := "request failed while waiting"
	if rec.ErrorMsg != nil && *rec.ErrorMsg != "" {
		msg = *rec.ErrorMsg
	}
	code := pkgerrors.CodeInternal
	if rec.ErrorCode != nil && *rec.ErrorCode != "" {
		code = pkgerrors.Code(*rec.ErrorCode)
	}
	return pkgerrors.New(code, msg)
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

func ptrTime(t time.Time) *time.Time {
	return &t
}
