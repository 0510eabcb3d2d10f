package types

import "strings"

// Frequency is a subscriber's preferred cadence and a job's target cadence.
// The empty value on a notification job means "all frequencies".
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyAll     Frequency = ""
)

// RecurringFrequencies lists the cadences that have a schedule, in the order
// the dispatch loop processes them.
var RecurringFrequencies = []Frequency{FrequencyDaily, FrequencyWeekly, FrequencyMonthly}

// Valid reports whether f names one of the three concrete cadences.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// ParseFrequency normalizes user input. Unknown values map to FrequencyAll and
// ok=false.
func ParseFrequency(s string) (Frequency, bool) {
	f := Frequency(strings.ToLower(strings.TrimSpace(s)))
	if f == FrequencyAll || f.Valid() {
		return f, true
	}
	return FrequencyAll, false
}

// SubscriberStatus is the lifecycle state of a subscriber.
type SubscriberStatus string

const (
	SubscriberActive   SubscriberStatus = "active"
	SubscriberInactive SubscriberStatus = "inactive"
)

// JobStatus is the lifecycle state of a notification job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobSent      JobStatus = "sent"
	JobCancelled JobStatus = "cancelled"
)

// EmailStatus is the delivery outcome recorded on an email log row.
type EmailStatus string

const (
	EmailPending EmailStatus = "pending"
	EmailSent    EmailStatus = "sent"
	EmailFailed  EmailStatus = "failed"
)

// EmailType distinguishes why an email was sent.
type EmailType string

const (
	EmailTypeNotification EmailType = "notification"
	EmailTypeWelcome      EmailType = "welcome"
	EmailTypeTest         EmailType = "test"
)

// ContentType identifies the kind of site content a category belongs to.
type ContentType string

const (
	ContentNews    ContentType = "news"
	ContentMeeting ContentType = "meeting"
)
