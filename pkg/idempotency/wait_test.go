package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/clock"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	pkgerrors "github.com/mercaro-io/backoffice/pkg/errors"
	"github.com/mercaro-io/backoffice/pkg/logger"
)

// hookedStore lets a test react to each poll of the record while a waiter is
// blocked on a live lease.
type hookedStore struct {
	recordStore
	finds  int
	onFind func(n int)
}

func (h *hookedStore) Find(ctx context.Context, tenantID uuid.UUID, bizType, idemKey string) (*models.IdempotencyRecord, error) {
	h.finds++
	if h.onFind != nil {
		h.onFind(h.finds)
	}
	return h.recordStore.Find(ctx, tenantID, bizType, idemKey)
}

func newWaitExecutor(t *testing.T, conn *gorm.DB, clk clock.Clock, store *hookedStore) *Executor {
	t.Helper()
	store.recordStore = NewRepository(conn)
	ex, err := NewExecutor(ExecutorParams{
		DB:         gormTxRunner{db: conn},
		Repository: store,
		Clock:      clk,
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		WaitPoll:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return ex
}

func seedInProgress(t *testing.T, repo *Repository, req Request, lockUntil time.Time) *models.IdempotencyRecord {
	t.Helper()
	rec := &models.IdempotencyRecord{
		TenantID:    req.TenantID,
		BizType:     req.BizType,
		IdemKey:     req.IdemKey,
		RequestHash: req.RequestHash,
		Status:      enums.RecordStatusProcessing,
		LockUntil:   &lockUntil,
		Version:     1,
	}
	if err := repo.Insert(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	return rec
}

func TestExecuteWaitReplaysWinnerResult(t *testing.T) {
	conn := newTestDB(t)
	clk := clock.NewFixed(time.Now())
	repo := NewRepository(conn)
	req := baseRequest()
	req.WaitIfInProgress = true
	req.WaitMax = time.Minute

	rec := seedInProgress(t, repo, req, clk.Now().Add(30*time.Second))

	// The first Find is the acquisition; the winner finishes before the
	// waiter's first poll.
	store := &hookedStore{onFind: func(n int) {
		if n == 2 {
			ok, err := repo.MarkSucceeded(context.Background(), rec.ID, 1, nil,
				json.RawMessage(`"OK"`), clk.Now().Add(time.Hour))
			if err != nil || !ok {
				t.Fatalf("mark succeeded: ok=%v err=%v", ok, err)
			}
		}
	}}
	ex := newWaitExecutor(t, conn, clk, store)

	calls := 0
	result, err := Execute(context.Background(), ex, req, func(ctx context.Context, tx *gorm.DB) (string, error) {
		calls++
		return "NO", nil
	})
	if err != nil {
		t.Fatalf("waiting execute: %v", err)
	}
	if !result.Replayed || result.Value != "OK" {
		t.Fatalf("expected replayed winner result, got %+v", result)
	}
	if calls != 0 {
		t.Fatalf("waiter must never run the unit of work, ran %d times", calls)
	}
}

func TestExecuteWaitSurfacesTerminalFailure(t *testing.T) {
	conn := newTestDB(t)
	clk := clock.NewFixed(time.Now())
	repo := NewRepository(conn)
	req := baseRequest()
	req.WaitIfInProgress = true
	req.WaitMax = time.Minute

	rec := seedInProgress(t, repo, req, clk.Now().Add(30*time.Second))

	store := &hookedStore{onFind: func(n int) {
		if n == 2 {
			ok, err := repo.MarkFailed(context.Background(), rec.ID, 1,
				string(pkgerrors.CodeTerminalFailure), "unrecoverable input")
			if err != nil || !ok {
				t.Fatalf("mark failed: ok=%v err=%v", ok, err)
			}
		}
	}}
	ex := newWaitExecutor(t, conn, clk, store)

	calls := 0
	_, err := Execute(context.Background(), ex, req, func(ctx context.Context, tx *gorm.DB) (string, error) {
		calls++
		return "NO", nil
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeTerminalFailure) {
		t.Fatalf("expected terminal failure, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("waiter must not execute after the winner failed terminally")
	}
}

func TestExecuteWaitKeepsRetryableFailureCode(t *testing.T) {
	conn := newTestDB(t)
	clk := clock.NewFixed(time.Now())
	repo := NewRepository(conn)
	req := baseRequest()
	req.WaitIfInProgress = true
	req.WaitMax = time.Minute

	rec := seedInProgress(t, repo, req, clk.Now().Add(30*time.Second))

	store := &hookedStore{onFind: func(n int) {
		if n == 2 {
			ok, err := repo.MarkFailed(context.Background(), rec.ID, 1,
				string(pkgerrors.CodeDependency), "downstream timeout")
			if err != nil || !ok {
				t.Fatalf("mark failed: ok=%v err=%v", ok, err)
			}
		}
	}}
	ex := newWaitExecutor(t, conn, clk, store)

	_, err := Execute(context.Background(), ex, req, func(ctx context.Context, tx *gorm.DB) (string, error) {
		return "NO", nil
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeDependency) {
		t.Fatalf("expected recorded dependency code, got %v", err)
	}
	if pkgerrors.HasCode(err, pkgerrors.CodeTerminalFailure) {
		t.Fatalf("retryable failure must not surface as terminal: %v", err)
	}
}

func TestExecuteWaitDeadlineElapses(t *testing.T) {
	conn := newTestDB(t)
	clk := clock.NewFixed(time.Now())
	repo := NewRepository(conn)
	req := baseRequest()
	req.WaitIfInProgress = true
	req.WaitMax = 5 * time.Second

	// Lease outlives the wait budget and the winner never finishes.
	seedInProgress(t, repo, req, clk.Now().Add(10*time.Minute))

	store := &hookedStore{}
	store.onFind = func(n int) {
		if n >= 2 {
			clk.Advance(10 * time.Second)
		}
	}
	ex := newWaitExecutor(t, conn, clk, store)

	calls := 0
	_, err := Execute(context.Background(), ex, req, func(ctx context.Context, tx *gorm.DB) (string, error) {
		calls++
		return "NO", nil
	})
	if !pkgerrors.HasCode(err, pkgerrors.CodeInProgress) {
		t.Fatalf("expected in-progress after wait deadline, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("deadline expiry must not execute the unit of work")
	}
}
