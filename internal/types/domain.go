package types

import "time"

// Subscriber is a person who opted in to receive notification emails.
type Subscriber struct {
	ID                int64            `json:"id" db:"id"`
	Name              string           `json:"name" db:"name"`
	Email             string           `json:"email" db:"email" validate:"required,email"`
	Status            SubscriberStatus `json:"status" db:"status"`
	NewsCategories    CategorySet      `json:"news_categories" db:"news_categories"`
	MeetingCategories CategorySet      `json:"meeting_categories" db:"meeting_categories"`
	Frequency         Frequency        `json:"frequency" db:"frequency" validate:"required,oneof=daily weekly monthly"`
	ManagementToken   string           `json:"-" db:"management_token"`
	LastNotified      *time.Time       `json:"last_notified,omitempty" db:"last_notified"`
	CreatedDate       time.Time        `json:"created_date" db:"created_date"`
	UpdatedDate       time.Time        `json:"updated_date" db:"updated_date"`
}

// IsActive reports whether the subscriber should receive email.
func (s *Subscriber) IsActive() bool {
	return s.Status == SubscriberActive
}

// Categories returns the subscriber's category set for a content type.
func (s *Subscriber) Categories(ct ContentType) CategorySet {
	if ct == ContentMeeting {
		return s.MeetingCategories
	}
	return s.NewsCategories
}

// NotificationJob is an admin-authored message, one-time or recurring.
type NotificationJob struct {
	ID                int64       `json:"id" db:"id"`
	Title             string      `json:"title" db:"title" validate:"required,max=255"`
	Subject           string      `json:"subject" db:"subject" validate:"required,max=255"`
	Content           string      `json:"content" db:"content"`
	NewsCategories    CategorySet `json:"news_categories" db:"news_categories"`
	MeetingCategories CategorySet `json:"meeting_categories" db:"meeting_categories"`
	FrequencyTarget   Frequency   `json:"frequency_target" db:"frequency_target" validate:"omitempty,oneof=daily weekly monthly"`
	Status            JobStatus   `json:"status" db:"status"`
	IsRecurring       bool        `json:"is_recurring" db:"is_recurring"`
	NextSendDate      *time.Time  `json:"next_send_date,omitempty" db:"next_send_date"`
	LastSentDate      *time.Time  `json:"last_sent_date,omitempty" db:"last_sent_date"`
	RecurrenceCount   int         `json:"recurrence_count" db:"recurrence_count"`
	CreatedDate       time.Time   `json:"created_date" db:"created_date"`
	SentDate          *time.Time  `json:"sent_date,omitempty" db:"sent_date"`
}

// JobCursor is a keyset position in (created_date, id) order. The zero value
// is before every job.
type JobCursor struct {
	CreatedDate time.Time
	ID          int64
}

// Cursor returns the job's keyset position.
func (j *NotificationJob) Cursor() JobCursor {
	return JobCursor{CreatedDate: j.CreatedDate, ID: j.ID}
}

// Categories returns the job's category set for a content type.
func (j *NotificationJob) Categories(ct ContentType) CategorySet {
	if ct == ContentMeeting {
		return j.MeetingCategories
	}
	return j.NewsCategories
}

// HasSchedule reports whether the job is recurring with a concrete cadence.
// A recurring job targeting "all" frequencies has no slot to fire on.
func (j *NotificationJob) HasSchedule() bool {
	return j.IsRecurring && j.FrequencyTarget.Valid()
}

// IsDue reports whether a pending recurring job should fire at now.
func (j *NotificationJob) IsDue(now time.Time) bool {
	if j.Status != JobPending || !j.IsRecurring || j.NextSendDate == nil {
		return false
	}
	return !j.NextSendDate.After(now)
}

// EmailLog records one attempted email delivery. Rows are append-only and
// carry no foreign keys so history survives deletes.
type EmailLog struct {
	ID             int64       `json:"id" db:"id"`
	SubscriberID   int64       `json:"subscriber_id" db:"subscriber_id"`
	NotificationID *int64      `json:"notification_id,omitempty" db:"notification_id"`
	EmailType      EmailType   `json:"email_type" db:"email_type"`
	Status         EmailStatus `json:"status" db:"status"`
	TrackingID     string      `json:"tracking_id" db:"tracking_id"`
	OpenCount      int         `json:"open_count" db:"open_count"`
	ClickCount     int         `json:"click_count" db:"click_count"`
	LastOpened     *time.Time  `json:"last_opened,omitempty" db:"last_opened"`
	LastClicked    *time.Time  `json:"last_clicked,omitempty" db:"last_clicked"`
	ErrorMessage   string      `json:"error_message,omitempty" db:"error_message"`
	CreatedDate    time.Time   `json:"created_date" db:"created_date"`
	UpdatedDate    time.Time   `json:"updated_date" db:"updated_date"`

	// Populated by joined reads. Empty when the subscriber row is gone.
	SubscriberName  string `json:"subscriber_name,omitempty" db:"-"`
	SubscriberEmail string `json:"subscriber_email,omitempty" db:"-"`
}

// DeletedSubscriberLabel is shown for log rows whose subscriber no longer exists.
const DeletedSubscriberLabel = "Deleted subscriber"

// ContentItem is a piece of site content (news post or meeting) that editors
// can flag for inclusion in notification emails.
type ContentItem struct {
	ID            int64       `json:"id" db:"id"`
	Source        string      `json:"source" db:"source"`
	ExternalID    string      `json:"external_id" db:"external_id"`
	Type          ContentType `json:"content_type" db:"content_type"`
	Title         string      `json:"title" db:"title"`
	URL           string      `json:"url" db:"url"`
	Excerpt       string      `json:"excerpt" db:"excerpt"`
	Categories    CategorySet `json:"categories" db:"categories"`
	IncludeInFeed bool        `json:"include_in_feed" db:"include_in_feed"`
	FlaggedAt     *time.Time  `json:"flagged_at,omitempty" db:"flagged_at"`
	PublishedAt   *time.Time  `json:"published_at,omitempty" db:"published_at"`
}

// SendInput defines the contract for email transmission.
type SendInput struct {
	To          string
	From        SenderIdentity
	Subject     string
	BodyHTML    string
	BodyText    string
	ReferenceID string
}

// SenderIdentity defines the sender for outgoing emails.
type SenderIdentity struct {
	Name    string
	Address string
}
