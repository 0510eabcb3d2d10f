package db

import (
	"context"
	"time"

	"civicnotify/internal/types"
)

// ContentRepository provides data access for content_items: site news posts
// and meetings that editors flag for inclusion in notification emails.
type ContentRepository struct {
	db DBTX
}

// NewContentRepository creates a new ContentRepository.
func NewContentRepository(db DBTX) *ContentRepository {
	return &ContentRepository{db: db}
}

// HasFlagged reports whether any item of ct in at least one of categories was
// flagged for the feed at or after cutoff.
func (r *ContentRepository) HasFlagged(ctx context.Context, ct types.ContentType, categories types.CategorySet, cutoff time.Time) (bool, error) {
	if categories.Empty() {
		return false, nil
	}
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM content_items
		   WHERE content_type = $1
		     AND include_in_feed
		     AND flagged_at >= $2
		     AND categories && $3
		 )`,
		string(ct), cutoff, categories.Strings(),
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to query flagged content", err)
	}
	return exists, nil
}

// ListFlagged returns up to limit flagged items matching the same predicate
// as HasFlagged, most recently flagged first.
func (r *ContentRepository) ListFlagged(ctx context.Context, ct types.ContentType, categories types.CategorySet, cutoff time.Time, limit int) ([]types.ContentItem, error) {
	if categories.Empty() {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, source, external_id, content_type, title, url, excerpt,
		        categories, include_in_feed, flagged_at, published_at
		 FROM content_items
		 WHERE content_type = $1
		   AND include_in_feed
		   AND flagged_at >= $2
		   AND categories && $3
		 ORDER BY flagged_at DESC, id DESC
		 LIMIT $4`,
		string(ct), cutoff, categories.Strings(), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list flagged content", err)
	}
	defer rows.Close()

	var out []types.ContentItem
	for rows.Next() {
		var (
			c     types.ContentItem
			ctype string
			cats  []string
		)
		if err := rows.Scan(
			&c.ID,
			&c.Source,
			&c.ExternalID,
			&ctype,
			&c.Title,
			&c.URL,
			&c.Excerpt,
			&cats,
			&c.IncludeInFeed,
			&c.FlaggedAt,
			&c.PublishedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan content item", err)
		}
		c.Type = types.ContentType(ctype)
		c.Categories = types.NewCategorySet(cats...)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating content items", err)
	}
	return out, nil
}

// Upsert inserts or refreshes an item keyed by (source, external_id). The
// editorial flag and flagged_at are never touched by an upsert.
func (r *ContentRepository) Upsert(ctx context.Context, c *types.ContentItem) (bool, error) {
	var inserted bool
	err := r.db.QueryRow(ctx,
		`INSERT INTO content_items
		 (source, external_id, content_type, title, url, excerpt, categories, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (source, external_id) DO UPDATE
		   SET title = EXCLUDED.title,
		       url = EXCLUDED.url,
		       excerpt = EXCLUDED.excerpt,
		       categories = EXCLUDED.categories,
		       published_at = EXCLUDED.published_at
		 RETURNING id, (xmax = 0) AS inserted`,
		c.Source,
		c.ExternalID,
		string(c.Type),
		c.Title,
		c.URL,
		c.Excerpt,
		c.Categories.Strings(),
		c.PublishedAt,
	).Scan(&c.ID, &inserted)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to upsert content item", err)
	}
	return inserted, nil
}

// SetIncludeInFeed flags or unflags an item. Flagging stamps flagged_at with
// at; unflagging clears it.
func (r *ContentRepository) SetIncludeInFeed(ctx context.Context, id int64, include bool, at time.Time) error {
	var flaggedAt *time.Time
	if include {
		flaggedAt = &at
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE content_items SET include_in_feed = $2, flagged_at = $3 WHERE id = $1`,
		id, include, flaggedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update content flag", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundContent, "content item not found", nil)
	}
	return nil
}
