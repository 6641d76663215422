package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mercaro-io/backoffice/pkg/db"
	"github.com/mercaro-io/backoffice/pkg/db/models"
	"github.com/mercaro-io/backoffice/pkg/enums"
)

func seedRecord(t *testing.T, repo *Repository, mutate func(*models.IdempotencyRecord)) *models.IdempotencyRecord {
	t.Helper()
	lock := time.Now().Add(30 * time.Second)
	rec := &models.IdempotencyRecord{
		TenantID:    uuid.New(),
		BizType:     "order.create",
		IdemKey:     uuid.NewString(),
		RequestHash: "hash-1",
		Status:      enums.RecordStatusProcessing,
		LockUntil:   &lock,
		Version:     1,
	}
	if mutate != nil {
		mutate(rec)
	}
	require.NoError(t, repo.Insert(context.Background(), rec))
	return rec
}

func TestRepositoryFindMissingReturnsNil(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	rec, err := repo.Find(context.Background(), uuid.New(), "order.create", "absent")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRepositoryInsertEnforcesUniqueKey(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	rec := seedRecord(t, repo, nil)

	dup := &models.IdempotencyRecord{
		TenantID:    rec.TenantID,
		BizType:     rec.BizType,
		IdemKey:     rec.IdemKey,
		RequestHash: "other-hash",
		Status:      enums.RecordStatusProcessing,
		Version:     1,
	}
	err := repo.Insert(context.Background(), dup)
	require.Error(t, err)
	assert.True(t, db.IsUniqueViolation(err, ""))

	// Same key under another tenant is a different record.
	other := &models.IdempotencyRecord{
		TenantID:    uuid.New(),
		BizType:     rec.BizType,
		IdemKey:     rec.IdemKey,
		RequestHash: rec.RequestHash,
		Status:      enums.RecordStatusProcessing,
		Version:     1,
	}
	require.NoError(t, repo.Insert(context.Background(), other))
}

func TestRepositoryTakeOverGuards(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	now := time.Now()

	t.Run("failed record is reclaimable", func(t *testing.T) {
		rec := seedRecord(t, repo, func(r *models.IdempotencyRecord) {
			r.Status = enums.RecordStatusFailed
			r.LockUntil = nil
		})
		ok, err := repo.TakeOver(context.Background(), rec.ID, rec.Version, now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := repo.Find(context.Background(), rec.TenantID, rec.BizType, rec.IdemKey)
		require.NoError(t, err)
		assert.Equal(t, enums.RecordStatusProcessing, got.Status)
		assert.Equal(t, 2, got.Version)
	})

	t.Run("live processing lease is not reclaimable", func(t *testing.T) {
		rec := seedRecord(t, repo, nil)
		ok, err := repo.TakeOver(context.Background(), rec.ID, rec.Version, now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("stale version loses", func(t *testing.T) {
		rec := seedRecord(t, repo, func(r *models.IdempotencyRecord) {
			r.Status = enums.RecordStatusFailed
			r.LockUntil = nil
		})
		ok, err := repo.TakeOver(context.Background(), rec.ID, rec.Version+5, now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("succeeded record past expiry is reclaimable", func(t *testing.T) {
		expired := now.Add(-time.Hour)
		rec := seedRecord(t, repo, func(r *models.IdempotencyRecord) {
			r.Status = enums.RecordStatusSucceeded
			r.LockUntil = nil
			r.ExpireAt = &expired
		})
		ok, err := repo.TakeOver(context.Background(), rec.ID, rec.Version, now.Add(time.Minute), now)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRepositoryMarkTransitions(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	rec := seedRecord(t, repo, nil)

	ref := "orders/42"
	payload := json.RawMessage(`{"orderId":"42"}`)
	expireAt := time.Now().Add(time.Hour)

	ok, err := repo.MarkSucceeded(context.Background(), rec.ID, rec.Version, &ref, payload, expireAt)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Find(context.Background(), rec.TenantID, rec.BizType, rec.IdemKey)
	require.NoError(t, err)
	assert.Equal(t, enums.RecordStatusSucceeded, got.Status)
	require.NotNil(t, got.ResultRef)
	assert.Equal(t, ref, *got.ResultRef)
	assert.Nil(t, got.LockUntil)

	// A finished generation cannot be marked again.
	ok, err = repo.MarkFailed(context.Background(), rec.ID, rec.Version, "INTERNAL_ERROR", "late failure")
	require.NoError(t, err)
	assert.False(t, ok)
}
