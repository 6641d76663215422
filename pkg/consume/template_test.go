package consume

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mercaro-io/backoffice/pkg/clock"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
	pkgerrors "github.com/mercaro-io/backoffice/pkg/errors"
	"github.com/mercaro-io/backoffice/pkg/logger"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit().Error
}

type handledEvent struct {
	ID   int
	Note string
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&models.ConsumeRecord{}, &handledEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return conn
}

func newTestTemplate(t *testing.T, conn *gorm.DB, clk clock.Clock) *Template {
	t.Helper()
	tpl, err := NewTemplate(TemplateParams{
		DB:         gormTxRunner{db: conn},
		Repository: NewRepository(conn),
		Clock:      clk,
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		WaitPoll:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewTemplate: %v", err)
	}
	return tpl
}

func defaultOptions() Options {
	return Options{
		LeaseTTL:   30 * time.Second,
		MaxRetries: 5,
	}
}

func TestConsumeExecutesOnceAndReplays(t *testing.T) {
	conn := newTestDB(t)
	tpl := newTestTemplate(t, conn, clock.NewFixed(time.Now()))
	event := Event{ID: "evt-1", Type: "order_created"}

	calls := 0
	handler := func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return tx.Create(&handledEvent{Note: "seen"}).Error
	}

	first, err := tpl.Consume(context.Background(), "audit", event, handler, defaultOptions())
	if err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if !first.Executed || first.Replayed {
		t.Fatalf("unexpected first outcome %+v", first)
	}

	second, err := tpl.Consume(context.Background(), "audit", event, handler, defaultOptions())
	if err != nil {
		t.Fatalf("second consume: %v", err)
	}
	if !second.Replayed || second.Executed {
		t.Fatalf("expected replay outcome, got %+v", second)
	}
	if calls != 1 {
		t.Fatalf("handler invoked %d times, want 1", calls)
	}

	var count int64
	if err := conn.Model(&handledEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one side effect row, got %d", count)
	}
}

func TestConsumeSeparateGroupsDeduplicateIndependently(t *testing.T) {
	conn := newTestDB(t)
	tpl := newTestTemplate(t, conn, clock.NewFixed(time.Now()))
	event := Event{ID: "evt-1", Type: "order_created"}

	calls := 0
	handler := func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return nil
	}

	if _, err := tpl.Consume(context.Background(), "audit", event, handler, defaultOptions()); err != nil {
		t.Fatalf("audit consume: %v", err)
	}
	if _, err := tpl.Consume(context.Background(), "notifications", event, handler, defaultOptions()); err != nil {
		t.Fatalf("notifications consume: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected one execution per group, got %d", calls)
	}
}

func TestConsumeRollsBackHandlerButRecordsFailure(t *testing.T) {
	conn := newTestDB(t)
	tpl := newTestTemplate(t, conn, clock.NewFixed(time.Now()))
	event := Event{ID: "evt-2", Type: "payment_captured"}

	boom := errors.New("handler exploded")
	outcome, err := tpl.Consume(context.Background(), "audit", event, func(ctx context.Context, tx *gorm.DB) error {
		if err := tx.Create(&handledEvent{Note: "rolled back"}).Error; err != nil {
			return err
		}
		return boom
	}, defaultOptions())
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if outcome.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", outcome.RetryCount)
	}

	var count int64
	if err := conn.Model(&handledEvent{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("handler side effects must roll back, found %d rows", count)
	}

	rec, err := NewRepository(conn).Find(context.Background(), "audit", event.ID)
	if err != nil || rec == nil {
		t.Fatalf("find record: %v", err)
	}
	if rec.Status != enums.RecordStatusFailed {
		t.Fatalf("expected failed status, got %s", rec.Status)
	}
	if rec.RetryCount != 1 {
		t.Fatalf("expected persisted retry count 1, got %d", rec.RetryCount)
	}
}

func TestConsumeRetryableFailureReacquires(t *testing.T) {
	conn := newTestDB(t)
	tpl := newTestTemplate(t, conn, clock.NewFixed(time.Now()))
	event := Event{ID: "evt-3", Type: "order_paid"}

	attempts := 0
	handler := func(ctx context.Context, tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}

	if _, err := tpl.Consume(context.Background(), "audit", event, handler, defaultOptions()); err == nil {
		t.Fatalf("expected first attempt to fail")
	}
	outcome, err := tpl.Consume(context.Background(), "audit", event, handler, defaultOptions())
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if !outcome.Executed {
		t.Fatalf("expected re-execution, got %+v", outcome)
	}

	rec, _ := NewRepository(conn).Find(context.Background(), "audit", event.ID)
	if rec.Version != 2 {
		t.Fatalf("expected generation 2, got %d", rec.Version)
	}
	if rec.Status != enums.RecordStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", rec.Status)
	}
}

func TestConsumeExhaustedRetriesIsTerminal(t *testing.T) {
	conn := newTestDB(t)
	tpl := newTestTemplate(t, conn, clock.NewFixed(time.Now()))
	event := Event{ID: "evt-4", Type: "refund_issued"}

	opts := defaultOptions()
	opts.MaxRetries = 2

	failing := func(ctx context.Context, tx *gorm.DB) error {
		return errors.New("always broken")
	}

	for i := 0; i < 2; i++ {
		if _, err := tpl.Consume(context.Background(), "audit", event, failing, opts); err == nil {
			t.Fatalf("attempt %d should fail", i+1)
		}
	}

	calls := 0
	outcome, err := tpl.Consume(context.Background(), "audit", event, func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return nil
	}, opts)
	if !pkgerrors.HasCode(err, pkgerrors.CodeTerminalFailure) {
		t.Fatalf("expected terminal failure, got %v", err)
	}
	if !outcome.Terminal {
		t.Fatalf("expected terminal outcome, got %+v", outcome)
	}
	if calls != 0 {
		t.Fatalf("terminal record must not re-invoke the handler")
	}
}

func TestConsumeInProgressLease(t *testing.T) {
	conn := newTestDB(t)
	clk := clock.NewFixed(time.Now())
	tpl := newTestTemplate(t, conn, clk)
	event := Event{ID: "evt-5", Type: "wallet_credited"}

	repo := NewRepository(conn)
	lockUntil := clk.Now().Add(time.Minute)
	if err := repo.Insert(context.Background(), &models.ConsumeRecord{
		ConsumerGroup: "audit",
		EventID:       event.ID,
		EventType:     event.Type,
		Status:        enums.RecordStatusProcessing,
		LockUntil:     &lockUntil,
		Version:       1,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	outcome, err := tpl.Consume(context.Background(), "audit", event, func(ctx context.Context, tx *gorm.DB) error {
		t.Fatal("handler must not run while lease is held")
		return nil
	}, defaultOptions())
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !outcome.InProgress {
		t.Fatalf("expected in-progress outcome, got %+v", outcome)
	}

	// Lease expiry makes the record reclaimable.
	clk.Advance(2 * time.Minute)
	outcome, err = tpl.Consume(context.Background(), "audit", event, func(ctx context.Context, tx *gorm.DB) error {
		return nil
	}, defaultOptions())
	if err != nil {
		t.Fatalf("consume after expiry: %v", err)
	}
	if !outcome.Executed {
		t.Fatalf("expected execution after lease expiry, got %+v", outcome)
	}
}
