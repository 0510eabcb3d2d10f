package targeting

import (
	"context"
	"strings"
	"sync"
	"time"

	"civicnotify/internal/schedule"
	"civicnotify/internal/types"
)

// DigestItemLimit caps the items listed per content type in one email.
const DigestItemLimit = 10

// ContentSource defines the content store queries used for relevance.
type ContentSource interface {
	// HasFlagged reports whether an item of ct tagged with one of categories
	// has include_in_feed set and flagged_at >= cutoff.
	HasFlagged(ctx context.Context, ct types.ContentType, categories types.CategorySet, cutoff time.Time) (bool, error)

	// ListFlagged returns the items HasFlagged would find, newest first.
	ListFlagged(ctx context.Context, ct types.ContentType, categories types.CategorySet, cutoff time.Time, limit int) ([]types.ContentItem, error)
}

// SettingsSource supplies the current send schedule.
type SettingsSource interface {
	Settings() schedule.Settings
}

// Digest is the content a subscriber receives with a job.
type Digest struct {
	News     []types.ContentItem
	Meetings []types.ContentItem
	Cutoff   time.Time
}

// Empty reports whether the digest lists nothing.
func (d Digest) Empty() bool {
	return len(d.News) == 0 && len(d.Meetings) == 0
}

// RelevanceFilter decides whether a matched subscriber has anything new to
// receive. The window is one day, week or month back from now depending on
// the job's cadence; a job aimed at every cadence uses the subscriber's own.
type RelevanceFilter struct {
	content  ContentSource
	settings SettingsSource
}

// NewRelevanceFilter creates a RelevanceFilter.
func NewRelevanceFilter(content ContentSource, settings SettingsSource) *RelevanceFilter {
	return &RelevanceFilter{content: content, settings: settings}
}

// Cutoff returns the start of sub's relevance window for job at now.
func (f *RelevanceFilter) Cutoff(sub *types.Subscriber, job *types.NotificationJob, now time.Time) time.Time {
	freq := job.FrequencyTarget
	if freq == types.FrequencyAll {
		freq = sub.Frequency
	}
	return schedule.LookbackCutoff(freq, f.settings.Settings(), now)
}

// HasRelevantContent reports whether flagged content exists in the window
// for the categories sub and job share, for news or for meetings.
func (f *RelevanceFilter) HasRelevantContent(ctx context.Context, sub *types.Subscriber, job *types.NotificationJob, now time.Time) (bool, error) {
	return f.ForJob(job, now).HasRelevantContent(ctx, sub)
}

// RelevantContent lists the flagged items HasRelevantContent would find.
func (f *RelevanceFilter) RelevantContent(ctx context.Context, sub *types.Subscriber, job *types.NotificationJob, now time.Time) (Digest, error) {
	return f.ForJob(job, now).RelevantContent(ctx, sub)
}

// ForJob returns a JobScope that memoizes store lookups for one pass over a
// job's audience. Subscribers with the same category overlap share a lookup.
func (f *RelevanceFilter) ForJob(job *types.NotificationJob, now time.Time) *JobScope {
	return &JobScope{
		filter: f,
		job:    job,
		now:    now,
		exists: make(map[scopeKey]bool),
	}
}

// JobScope is a RelevanceFilter bound to one job and instant. It is safe for
// concurrent use.
type JobScope struct {
	filter *RelevanceFilter
	job    *types.NotificationJob
	now    time.Time

	mu     sync.Mutex
	exists map[scopeKey]bool
}

type scopeKey struct {
	ct         types.ContentType
	cutoff     int64
	categories string
}

// HasRelevantContent is RelevanceFilter.HasRelevantContent for the scope's
// job and instant.
func (s *JobScope) HasRelevantContent(ctx context.Context, sub *types.Subscriber) (bool, error) {
	cutoff := s.filter.Cutoff(sub, s.job, s.now)
	for _, ct := range []types.ContentType{types.ContentNews, types.ContentMeeting} {
		relevant := s.job.Categories(ct).Intersect(sub.Categories(ct))
		if relevant.Empty() {
			continue
		}
		ok, err := s.hasFlagged(ctx, ct, relevant, cutoff)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// RelevantContent is RelevanceFilter.RelevantContent for the scope's job and
// instant.
func (s *JobScope) RelevantContent(ctx context.Context, sub *types.Subscriber) (Digest, error) {
	d := Digest{Cutoff: s.filter.Cutoff(sub, s.job, s.now)}

	news := s.job.NewsCategories.Intersect(sub.NewsCategories)
	if !news.Empty() {
		items, err := s.filter.content.ListFlagged(ctx, types.ContentNews, news, d.Cutoff, DigestItemLimit)
		if err != nil {
			return Digest{}, err
		}
		d.News = items
	}

	meetings := s.job.MeetingCategories.Intersect(sub.MeetingCategories)
	if !meetings.Empty() {
		items, err := s.filter.content.ListFlagged(ctx, types.ContentMeeting, meetings, d.Cutoff, DigestItemLimit)
		if err != nil {
			return Digest{}, err
		}
		d.Meetings = items
	}
	return d, nil
}

func (s *JobScope) hasFlagged(ctx context.Context, ct types.ContentType, cats types.CategorySet, cutoff time.Time) (bool, error) {
	key := scopeKey{ct: ct, cutoff: cutoff.UnixNano(), categories: strings.Join(cats, "\x00")}

	s.mu.Lock()
	ok, cached := s.exists[key]
	s.mu.Unlock()
	if cached {
		return ok, nil
	}

	ok, err := s.filter.content.HasFlagged(ctx, ct, cats, cutoff)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.exists[key] = ok
	s.mu.Unlock()
	return ok, nil
}
