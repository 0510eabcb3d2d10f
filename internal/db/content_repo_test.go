package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

func TestContentRepository_HasFlagged(t *testing.T) {
	cutoff := time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC)

	t.Run("queries with exact set overlap", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
			return containsAll(sql, "include_in_feed", "flagged_at >= $2", "categories && $3")
		}), []any{"news", cutoff, []string{"3", "12"}}).Return(&mockRow{values: []any{true}})

		ok, err := NewContentRepository(db).HasFlagged(context.Background(), types.ContentNews, types.ParseCategorySet("3,12"), cutoff)
		require.NoError(t, err)
		assert.True(t, ok)
		db.AssertExpectations(t)
	})

	t.Run("empty categories never match", func(t *testing.T) {
		db := new(mockDBTX)
		ok, err := NewContentRepository(db).HasFlagged(context.Background(), types.ContentMeeting, nil, cutoff)
		require.NoError(t, err)
		assert.False(t, ok)
		db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestContentRepository_ListFlagged(t *testing.T) {
	db := new(mockDBTX)
	cutoff := time.Date(2026, 1, 27, 9, 0, 0, 0, time.UTC)
	flagged := cutoff.Add(24 * time.Hour)

	rows := newMockRows([][]any{
		{int64(1), "site", "post-9", "news", "Road closure", "https://example.org/p/9", "Main St closed",
			[]string{"3"}, true, &flagged, (*time.Time)(nil)},
	})
	db.On("Query", mock.Anything, mock.Anything, []any{"news", cutoff, []string{"3"}, 5}).Return(rows, nil)

	items, err := NewContentRepository(db).ListFlagged(context.Background(), types.ContentNews, types.ParseCategorySet("3"), cutoff, 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Road closure", items[0].Title)
	assert.Equal(t, types.ContentNews, items[0].Type)
	assert.Equal(t, types.CategorySet{"3"}, items[0].Categories)
}

func TestContentRepository_Upsert(t *testing.T) {
	db := new(mockDBTX)
	db.On("QueryRow", mock.Anything, mock.MatchedBy(func(sql string) bool {
		return containsAll(sql, "ON CONFLICT (source, external_id)") && !containsAll(sql, "include_in_feed =")
	}), mock.Anything).Return(&mockRow{values: []any{int64(55), true}})

	item := &types.ContentItem{Source: "https://example.org/feed", ExternalID: "guid-1", Type: types.ContentNews, Title: "Hello"}
	inserted, err := NewContentRepository(db).Upsert(context.Background(), item)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(55), item.ID)
}

func TestContentRepository_SetIncludeInFeed(t *testing.T) {
	at := time.Date(2026, 2, 2, 14, 0, 0, 0, time.UTC)

	t.Run("flag stamps flagged_at", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, []any{int64(1), true, &at}).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
		require.NoError(t, NewContentRepository(db).SetIncludeInFeed(context.Background(), 1, true, at))
		db.AssertExpectations(t)
	})

	t.Run("unflag clears flagged_at", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, []any{int64(1), false, (*time.Time)(nil)}).Return(pgconn.NewCommandTag("UPDATE 1"), nil)
		require.NoError(t, NewContentRepository(db).SetIncludeInFeed(context.Background(), 1, false, at))
		db.AssertExpectations(t)
	})

	t.Run("missing item", func(t *testing.T) {
		db := new(mockDBTX)
		db.On("Exec", mock.Anything, mock.Anything, mock.Anything).Return(pgconn.NewCommandTag("UPDATE 0"), nil)
		err := NewContentRepository(db).SetIncludeInFeed(context.Background(), 1, true, at)
		assert.Equal(t, types.ErrCodeNotFoundContent, types.CodeOf(err))
	})
}
