package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"civicnotify/internal/types"
)

// SubscriberRepository provides data access for the subscribers table.
// Category preferences are stored as text[] and matched with the && overlap
// operator, which compares whole elements.
type SubscriberRepository struct {
	db DBTX
}

// NewSubscriberRepository creates a new SubscriberRepository.
func NewSubscriberRepository(db DBTX) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

const subscriberColumns = `id, name, email, status, news_categories, meeting_categories,
	frequency, management_token, last_notified, created_date, updated_date`

// NewManagementToken returns an unguessable 64-character hex token used in
// subscription management links.
func NewManagementToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Subscribe inserts a subscriber, or reactivates an existing row with the same
// email. Reactivation replaces preferences and issues a new management token
// but keeps the original created_date. Returns true when a new row was created.
func (r *SubscriberRepository) Subscribe(ctx context.Context, s *types.Subscriber) (bool, error) {
	token, err := NewManagementToken()
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate management token", err)
	}

	var inserted bool
	err = r.db.QueryRow(ctx,
		`INSERT INTO subscribers
		 (name, email, status, news_categories, meeting_categories, frequency, management_token)
		 VALUES ($1, lower($2), 'active', $3, $4, $5, $6)
		 ON CONFLICT (email) DO UPDATE
		   SET name = EXCLUDED.name,
		       status = 'active',
		       news_categories = EXCLUDED.news_categories,
		       meeting_categories = EXCLUDED.meeting_categories,
		       frequency = EXCLUDED.frequency,
		       management_token = EXCLUDED.management_token,
		       updated_date = NOW()
		 RETURNING id, created_date, updated_date, (xmax = 0) AS inserted`,
		s.Name,
		s.Email,
		s.NewsCategories.Strings(),
		s.MeetingCategories.Strings(),
		string(s.Frequency),
		token,
	).Scan(&s.ID, &s.CreatedDate, &s.UpdatedDate, &inserted)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to save subscriber", err)
	}

	s.Status = types.SubscriberActive
	s.ManagementToken = token
	return inserted, nil
}

// GetByID returns a subscriber or ErrCodeNotFoundSubscriber.
func (r *SubscriberRepository) GetByID(ctx context.Context, id int64) (*types.Subscriber, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
	return scanSubscriberRow(row)
}

// GetByEmail looks up a subscriber case-insensitively.
func (r *SubscriberRepository) GetByEmail(ctx context.Context, email string) (*types.Subscriber, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE email = lower($1)`, email)
	return scanSubscriberRow(row)
}

// GetByToken resolves a management link token.
func (r *SubscriberRepository) GetByToken(ctx context.Context, token string) (*types.Subscriber, error) {
	row := r.db.QueryRow(ctx, `SELECT `+subscriberColumns+` FROM subscribers WHERE management_token = $1`, token)
	return scanSubscriberRow(row)
}

// ListMatching returns active subscribers who share at least one news or
// meeting category with the given sets and, when freq is not FrequencyAll,
// whose frequency equals freq.
func (r *SubscriberRepository) ListMatching(ctx context.Context, news, meeting types.CategorySet, freq types.Frequency) ([]types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+`
		 FROM subscribers
		 WHERE status = 'active'
		   AND (news_categories && $1 OR meeting_categories && $2)
		   AND ($3 = '' OR frequency = $3)
		 ORDER BY id`,
		news.Strings(),
		meeting.Strings(),
		string(freq),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query matching subscribers", err)
	}
	return collectSubscribers(rows)
}

// List returns subscribers with the given status, newest first. An empty
// status lists everyone.
func (r *SubscriberRepository) List(ctx context.Context, status types.SubscriberStatus, limit, offset int) ([]types.Subscriber, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+subscriberColumns+`
		 FROM subscribers
		 WHERE ($1 = '' OR status = $1)
		 ORDER BY created_date DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		string(status), limit, offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list subscribers", err)
	}
	return collectSubscribers(rows)
}

// Count returns the number of subscribers with the given status (all when empty).
func (r *SubscriberRepository) Count(ctx context.Context, status types.SubscriberStatus) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM subscribers WHERE ($1 = '' OR status = $1)`,
		string(status),
	).Scan(&n)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count subscribers", err)
	}
	return n, nil
}

// UpdatePreferences replaces a subscriber's name, categories and frequency.
func (r *SubscriberRepository) UpdatePreferences(ctx context.Context, s *types.Subscriber) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers
		 SET name = $2, news_categories = $3, meeting_categories = $4,
		     frequency = $5, updated_date = NOW()
		 WHERE id = $1`,
		s.ID,
		s.Name,
		s.NewsCategories.Strings(),
		s.MeetingCategories.Strings(),
		string(s.Frequency),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscriber preferences", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	return nil
}

// Unsubscribe marks the subscriber behind token inactive. The row is kept.
func (r *SubscriberRepository) Unsubscribe(ctx context.Context, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscribers SET status = 'inactive', updated_date = NOW()
		 WHERE management_token = $1`,
		token,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to unsubscribe", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	return nil
}

// UpdateLastNotified stamps the time of the latest successful send.
func (r *SubscriberRepository) UpdateLastNotified(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE subscribers SET last_notified = $2 WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update last_notified", err)
	}
	return nil
}

// Delete removes a subscriber permanently. Their email log rows remain.
func (r *SubscriberRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete subscriber", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (*types.Subscriber, error) {
	var (
		s             types.Subscriber
		status, freq  string
		news, meeting []string
	)
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Email,
		&status,
		&news,
		&meeting,
		&freq,
		&s.ManagementToken,
		&s.LastNotified,
		&s.CreatedDate,
		&s.UpdatedDate,
	)
	if err != nil {
		return nil, err
	}
	s.Status = types.SubscriberStatus(status)
	s.Frequency = types.Frequency(freq)
	s.NewsCategories = types.NewCategorySet(news...)
	s.MeetingCategories = types.NewCategorySet(meeting...)
	return &s, nil
}

func scanSubscriberRow(row pgx.Row) (*types.Subscriber, error) {
	s, err := scanSubscriber(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundSubscriber, "subscriber not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load subscriber", err)
	}
	return s, nil
}

func collectSubscribers(rows pgx.Rows) ([]types.Subscriber, error) {
	defer rows.Close()

	var out []types.Subscriber
	for rows.Next() {
		s, err := scanSubscriber(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscriber", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating subscribers", err)
	}
	return out, nil
}
