package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"civicnotify/internal/types"
)

// NotificationRepository provides data access for the notifications table,
// the queue of one-time and recurring jobs.
//
// State transitions that the dispatch loop relies on are conditional updates:
// MarkSentOneTime only moves a pending row, and AdvanceRecurring only moves a
// row whose next_send_date still holds the value the caller read. A second
// worker racing on the same job therefore observes zero affected rows.
type NotificationRepository struct {
	db DBTX
}

// NewNotificationRepository creates a new NotificationRepository.
func NewNotificationRepository(db DBTX) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `id, title, subject, content, news_categories, meeting_categories,
	frequency_target, status, is_recurring, next_send_date, last_sent_date,
	recurrence_count, created_date, sent_date`

// Create inserts a job and fills in its ID and created_date.
func (r *NotificationRepository) Create(ctx context.Context, n *types.NotificationJob) error {
	status := n.Status
	if status == "" {
		status = types.JobPending
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO notifications
		 (title, subject, content, news_categories, meeting_categories,
		  frequency_target, status, is_recurring, next_send_date, created_date)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		 RETURNING id, created_date`,
		n.Title,
		n.Subject,
		n.Content,
		n.NewsCategories.Strings(),
		n.MeetingCategories.Strings(),
		string(n.FrequencyTarget),
		string(status),
		n.IsRecurring,
		n.NextSendDate,
		nilIfZeroTime(n.CreatedDate),
	).Scan(&n.ID, &n.CreatedDate)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create notification", err)
	}
	n.Status = status
	return nil
}

// GetByID returns a job or ErrCodeNotFoundNotification.
func (r *NotificationRepository) GetByID(ctx context.Context, id int64) (*types.NotificationJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.NewAppError(types.ErrCodeNotFoundNotification, "notification not found", nil)
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load notification", err)
	}
	return n, nil
}

// ListDue returns pending recurring jobs of freq whose next_send_date is at
// or before now, oldest first.
func (r *NotificationRepository) ListDue(ctx context.Context, freq types.Frequency, now time.Time) ([]types.NotificationJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'pending'
		   AND is_recurring
		   AND frequency_target = $1
		   AND next_send_date IS NOT NULL
		   AND next_send_date <= $2
		 ORDER BY created_date ASC, id ASC`,
		string(freq), now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due notifications", err)
	}
	return collectNotifications(rows)
}

// ListDueOneTime returns up to limit pending one-time jobs whose target
// frequency is in freqs, oldest first, starting after the after cursor.
func (r *NotificationRepository) ListDueOneTime(ctx context.Context, freqs []types.Frequency, after types.JobCursor, limit int) ([]types.NotificationJob, error) {
	if len(freqs) == 0 {
		return nil, nil
	}
	targets := make([]string, len(freqs))
	for i, f := range freqs {
		targets[i] = string(f)
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'pending'
		   AND NOT is_recurring
		   AND frequency_target = ANY($1)
		   AND (created_date, id) > ($2, $3)
		 ORDER BY created_date ASC, id ASC
		 LIMIT $4`,
		targets, after.CreatedDate, after.ID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list one-time notifications", err)
	}
	return collectNotifications(rows)
}

// ListPendingRecurring returns every pending recurring job of freq.
func (r *NotificationRepository) ListPendingRecurring(ctx context.Context, freq types.Frequency) ([]types.NotificationJob, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+notificationColumns+`
		 FROM notifications
		 WHERE status = 'pending' AND is_recurring AND frequency_target = $1
		 ORDER BY id`,
		string(freq),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recurring notifications", err)
	}
	return collectNotifications(rows)
}

// MarkSentOneTime moves a pending one-time job to sent. It returns false when
// the job was already sent, cancelled, or is recurring.
func (r *NotificationRepository) MarkSentOneTime(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET status = 'sent', sent_date = $2, last_sent_date = $2
		 WHERE id = $1 AND status = 'pending' AND NOT is_recurring`,
		id, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark notification sent", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AdvanceRecurring records a completed run and moves next_send_date from
// expected to next. It returns false if another worker already advanced the
// job or it is no longer pending.
func (r *NotificationRepository) AdvanceRecurring(ctx context.Context, id int64, expected, next, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET next_send_date = $3,
		     last_sent_date = $4,
		     recurrence_count = recurrence_count + 1
		 WHERE id = $1
		   AND status = 'pending'
		   AND is_recurring
		   AND next_send_date = $2`,
		id, expected, next, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to advance recurring notification", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Update writes an edited job. Status and schedule fields are written as given;
// the caller is responsible for the edit rules. The write only lands while the
// row still carries prevStatus and prevNext, so an edit never overwrites a
// transition the dispatcher made after the job was read.
func (r *NotificationRepository) Update(ctx context.Context, n *types.NotificationJob, prevStatus types.JobStatus, prevNext *time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE notifications
		 SET title = $2, subject = $3, content = $4,
		     news_categories = $5, meeting_categories = $6,
		     frequency_target = $7, status = $8, is_recurring = $9,
		     next_send_date = $10
		 WHERE id = $1
		   AND status = $11
		   AND next_send_date IS NOT DISTINCT FROM $12`,
		n.ID,
		n.Title,
		n.Subject,
		n.Content,
		n.NewsCategories.Strings(),
		n.MeetingCategories.Strings(),
		string(n.FrequencyTarget),
		string(n.Status),
		n.IsRecurring,
		n.NextSendDate,
		string(prevStatus),
		prevNext,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update notification", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictConcurrent,
			"notification changed since it was read", nil)
	}
	return nil
}

// SetNextSendDate overwrites the schedule of a pending job.
func (r *NotificationRepository) SetNextSendDate(ctx context.Context, id int64, next *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE notifications SET next_send_date = $2 WHERE id = $1 AND status = 'pending'`,
		id, next,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set next_send_date", err)
	}
	return nil
}

// NextDueAt returns the earliest next_send_date among pending recurring jobs,
// or nil when none is scheduled.
func (r *NotificationRepository) NextDueAt(ctx context.Context) (*time.Time, error) {
	var next *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT MIN(next_send_date) FROM notifications
		 WHERE status = 'pending' AND is_recurring AND next_send_date IS NOT NULL`,
	).Scan(&next)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query next due notification", err)
	}
	return next, nil
}

func scanNotification(row scanner) (*types.NotificationJob, error) {
	var (
		n             types.NotificationJob
		news, meeting []string
		freq, status  string
	)
	err := row.Scan(
		&n.ID,
		&n.Title,
		&n.Subject,
		&n.Content,
		&news,
		&meeting,
		&freq,
		&status,
		&n.IsRecurring,
		&n.NextSendDate,
		&n.LastSentDate,
		&n.RecurrenceCount,
		&n.CreatedDate,
		&n.SentDate,
	)
	if err != nil {
		return nil, err
	}
	n.NewsCategories = types.NewCategorySet(news...)
	n.MeetingCategories = types.NewCategorySet(meeting...)
	n.FrequencyTarget = types.Frequency(freq)
	n.Status = types.JobStatus(status)
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]types.NotificationJob, error) {
	defer rows.Close()

	var out []types.NotificationJob
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan notification", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating notifications", err)
	}
	return out, nil
}
