// Package targeting decides who receives a notification job: the Matcher
// resolves candidate subscribers by category and cadence, and the
// RelevanceFilter drops candidates with no recently flagged content.
package targeting

import (
	"context"
	"log/slog"

	"civicnotify/internal/types"
)

// SubscriberSource defines the subscriber store query used for matching.
type SubscriberSource interface {
	// ListMatching returns active subscribers whose news categories overlap
	// news or whose meeting categories overlap meeting, restricted to freq
	// unless freq is FrequencyAll.
	//
	// SQL: ... WHERE status = 'active'
	//      AND (news_categories && $1 OR meeting_categories && $2)
	//      AND ($3 = '' OR frequency = $3)
	ListMatching(ctx context.Context, news, meeting types.CategorySet, freq types.Frequency) ([]types.Subscriber, error)
}

// Matcher resolves the candidate audience of a job.
type Matcher struct {
	subscribers SubscriberSource
	logger      *slog.Logger
}

// NewMatcher creates a Matcher.
func NewMatcher(subscribers SubscriberSource, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{subscribers: subscribers, logger: logger}
}

// Match returns the active subscribers that share at least one news category
// or at least one meeting category with job, and whose frequency equals the
// job's target when the job has one.
//
// The store query is treated as a prefilter; every row is checked again with
// Matches so the result never depends on how the store compares sets.
func (m *Matcher) Match(ctx context.Context, job *types.NotificationJob) ([]types.Subscriber, error) {
	if job.NewsCategories.Empty() && job.MeetingCategories.Empty() {
		return nil, nil
	}

	candidates, err := m.subscribers.ListMatching(ctx, job.NewsCategories, job.MeetingCategories, job.FrequencyTarget)
	if err != nil {
		return nil, err
	}

	out := candidates[:0]
	for _, s := range candidates {
		if !Matches(&s, job) {
			m.logger.WarnContext(ctx, "subscriber store returned a non-matching row",
				"notification_id", job.ID,
				"subscriber_id", s.ID,
			)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// Matches reports whether sub is in job's audience: active, overlapping on
// news or on meeting categories, and on the job's cadence unless the job
// targets every cadence. Categories compare by exact identifier.
func Matches(sub *types.Subscriber, job *types.NotificationJob) bool {
	if !sub.IsActive() {
		return false
	}
	if job.FrequencyTarget != types.FrequencyAll && sub.Frequency != job.FrequencyTarget {
		return false
	}
	return job.NewsCategories.Intersects(sub.NewsCategories) ||
		job.MeetingCategories.Intersects(sub.MeetingCategories)
}
