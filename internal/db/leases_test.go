package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

func TestJobLockRepository_Acquire(t *testing.T) {
	fixed := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	t.Run("acquired", func(t *testing.T) {
		db := new(mockDBTX)
		repo := NewJobLockRepository(db)
		repo.now = func() time.Time { return fixed }

		db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
			return containsAll(sql, "ON CONFLICT (id) DO UPDATE", "job_locks.expires_at < $3")
		}), []any{"notification:4", "worker-a", fixed, fixed.Add(15 * time.Minute)}).
			Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

		ok, err := repo.Acquire(context.Background(), "notification:4", "worker-a", 15*time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		db.AssertExpectations(t)
	})

	t.Run("held by another worker", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 0"), nil)

		ok, err := NewJobLockRepository(db).Acquire(context.Background(), "notification:4", "worker-b", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("db error", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.CommandTag{}, errors.New("down"))

		_, err := NewJobLockRepository(db).Acquire(context.Background(), "x", "w", time.Minute)
		assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	})
}

func TestJobLockRepository_Release(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "DELETE FROM job_locks", "worker_id = $2")
	}), []any{"notification:4", "worker-a"}).Return(pgconn.NewCommandTag("DELETE 1"), nil)

	require.NoError(t, NewJobLockRepository(db).Release(context.Background(), "notification:4", "worker-a"))
	db.AssertExpectations(t)
}

func TestJobLockRepository_Extend(t *testing.T) {
	fixed := time.Date(2026, 2, 3, 9, 0, 0, 0, time.UTC)

	db := new(mockDBTX)
	repo := NewJobLockRepository(db)
	repo.now = func() time.Time { return fixed }
	db.On("Exec", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "UPDATE job_locks SET expires_at = $3", "worker_id = $2")
	}), []any{"notification:4", "worker-a", fixed.Add(15 * time.Minute)}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil).Once()
	db.On("Exec", mock.Anything, mock.Anything, mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil).Once()

	ok, err := repo.Extend(context.Background(), "notification:4", "worker-a", 15*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Extend(context.Background(), "notification:4", "worker-a", 15*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "taken over by another worker")
}

func TestJobHistoryRepository(t *testing.T) {
	t.Run("start", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", mock.Anything, mock.Anything, []any{"dispatch_tick"}).Return(&mockRow{values: []any{int64(31)}})

		id, err := NewJobHistoryRepository(db).Start(context.Background(), "dispatch_tick")
		require.NoError(t, err)
		assert.Equal(t, int64(31), id)
	})

	t.Run("finish with error message", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

		require.NoError(t, NewJobHistoryRepository(db).Finish(context.Background(), 31, "failed", 3, errors.New("smtp down")))
		args := sqlArgs(db, 0)
		assert.Equal(t, "failed", args[1])
		assert.Equal(t, 3, args[2])
		assert.Equal(t, "smtp down", *args[3].(*string))
	})

	t.Run("finish missing row", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)

		err := NewJobHistoryRepository(db).Finish(context.Background(), 31, "success", 0, nil)
		assert.Equal(t, types.ErrCodeInternalUnexpected, types.CodeOf(err))
	})
}
