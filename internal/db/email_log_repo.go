package db

import (
	"context"
	"time"

	"civicnotify/internal/types"
)

// EmailLogRepository provides data access for the email_logs table. A row is
// written as pending before each send attempt and finalized exactly once
// afterwards. Rows are never deleted.
type EmailLogRepository struct {
	db DBTX
}

// NewEmailLogRepository creates a new EmailLogRepository.
func NewEmailLogRepository(db DBTX) *EmailLogRepository {
	return &EmailLogRepository{db: db}
}

// CreatePending records an attempt before it is handed to the provider and
// returns the new row ID.
func (r *EmailLogRepository) CreatePending(ctx context.Context, l *types.EmailLog) (int64, error) {
	err := r.db.QueryRow(ctx,
		`INSERT INTO email_logs
		 (subscriber_id, notification_id, email_type, status, tracking_id)
		 VALUES ($1, $2, $3, 'pending', $4)
		 RETURNING id, created_date`,
		l.SubscriberID,
		l.NotificationID,
		string(l.EmailType),
		l.TrackingID,
	).Scan(&l.ID, &l.CreatedDate)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, types.NewAppError(types.ErrCodeConflictConcurrent, "tracking id already logged", err)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to create email log", err)
	}
	l.Status = types.EmailPending
	return l.ID, nil
}

// MarkSent finalizes a pending row as sent.
func (r *EmailLogRepository) MarkSent(ctx context.Context, id int64) error {
	return r.finalize(ctx, id, types.EmailSent, "")
}

// MarkFailed finalizes a pending row as failed with the provider's message.
func (r *EmailLogRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	return r.finalize(ctx, id, types.EmailFailed, reason)
}

func (r *EmailLogRepository) finalize(ctx context.Context, id int64, status types.EmailStatus, reason string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_logs
		 SET status = $2, error_message = $3, updated_date = NOW()
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), nilIfEmpty(reason),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finalize email log", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictState, "email log already finalized or missing", nil)
	}
	return nil
}

// RecordOpen increments the open counter for a tracking id. Unknown ids
// report false.
func (r *EmailLogRepository) RecordOpen(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_logs
		 SET open_count = open_count + 1, last_opened = $2
		 WHERE tracking_id = $1`,
		trackingID, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record open", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordClick increments the click counter for a tracking id. A click implies
// the message was opened, so a zero open count is raised to one.
func (r *EmailLogRepository) RecordClick(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE email_logs
		 SET click_count = click_count + 1,
		     last_clicked = $2,
		     open_count = GREATEST(open_count, 1),
		     last_opened = COALESCE(last_opened, $2)
		 WHERE tracking_id = $1`,
		trackingID, at,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record click", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListForNotification returns the delivery history of a job, newest first.
// Rows whose subscriber has been deleted carry DeletedSubscriberLabel.
func (r *EmailLogRepository) ListForNotification(ctx context.Context, notificationID int64) ([]types.EmailLog, error) {
	rows, err := r.db.Query(ctx,
		`SELECT l.id, l.subscriber_id, l.notification_id, l.email_type, l.status,
		        l.tracking_id, l.open_count, l.click_count, l.last_opened,
		        l.last_clicked, l.error_message, l.created_date, l.updated_date,
		        s.name, s.email
		 FROM email_logs l
		 LEFT JOIN subscribers s ON s.id = l.subscriber_id
		 WHERE l.notification_id = $1
		 ORDER BY l.created_date DESC, l.id DESC`,
		notificationID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list email logs", err)
	}
	defer rows.Close()

	var out []types.EmailLog
	for rows.Next() {
		var (
			l                types.EmailLog
			emailType        string
			status           string
			errMsg           *string
			subName, subMail *string
		)
		if err := rows.Scan(
			&l.ID,
			&l.SubscriberID,
			&l.NotificationID,
			&emailType,
			&status,
			&l.TrackingID,
			&l.OpenCount,
			&l.ClickCount,
			&l.LastOpened,
			&l.LastClicked,
			&errMsg,
			&l.CreatedDate,
			&l.UpdatedDate,
			&subName,
			&subMail,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan email log", err)
		}
		l.EmailType = types.EmailType(emailType)
		l.Status = types.EmailStatus(status)
		l.ErrorMessage = derefString(errMsg)
		if subMail == nil {
			l.SubscriberName = types.DeletedSubscriberLabel
		} else {
			l.SubscriberName = derefString(subName)
			l.SubscriberEmail = *subMail
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating email logs", err)
	}
	return out, nil
}

// AttemptedSince returns the subscribers that already have a notification
// log row for notificationID created at or after since, whatever its status.
func (r *EmailLogRepository) AttemptedSince(ctx context.Context, notificationID int64, since time.Time) (map[int64]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT subscriber_id
		 FROM email_logs
		 WHERE notification_id = $1
		   AND email_type = 'notification'
		   AND created_date >= $2`,
		notificationID, since,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list attempted subscribers", err)
	}
	defer rows.Close()

	attempted := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan attempted subscriber", err)
		}
		attempted[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating attempted subscribers", err)
	}
	return attempted, nil
}
