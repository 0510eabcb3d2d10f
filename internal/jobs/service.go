// Package jobs owns the lifecycle policy of notification jobs: creation with
// an eager first slot, admin edits, cancel and reactivate, and bulk
// rescheduling after the site send schedule changes.
//
// The dispatch loop never goes through this package. It reads and transitions
// jobs directly via the conditional updates on the notification repository.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"civicnotify/internal/notifications/render"
	"civicnotify/internal/schedule"
	"civicnotify/internal/types"
)

// Store defines the notification repository operations the service needs.
type Store interface {
	// Create inserts the job and fills in ID and created_date.
	Create(ctx context.Context, n *types.NotificationJob) error

	// GetByID returns ErrCodeNotFoundNotification for an unknown id.
	GetByID(ctx context.Context, id int64) (*types.NotificationJob, error)

	// Update writes every editable column including status and
	// next_send_date, provided the stored row still has prevStatus and
	// prevNext. Otherwise it returns ErrCodeConflictConcurrent.
	Update(ctx context.Context, n *types.NotificationJob, prevStatus types.JobStatus, prevNext *time.Time) error

	// ListPendingRecurring returns every pending recurring job of freq.
	ListPendingRecurring(ctx context.Context, freq types.Frequency) ([]types.NotificationJob, error)

	// SetNextSendDate overwrites next_send_date of a pending job.
	//
	// SQL: UPDATE notifications SET next_send_date = $2
	//      WHERE id = $1 AND status = 'pending'
	SetNextSendDate(ctx context.Context, id int64, next *time.Time) error
}

// JobInput carries the admin-editable fields of a job. It is used for both
// create and edit; edits replace every field.
type JobInput struct {
	Title             string
	Subject           string
	Content           string
	NewsCategories    types.CategorySet
	MeetingCategories types.CategorySet
	FrequencyTarget   types.Frequency
	IsRecurring       bool
}

// Service applies job lifecycle rules on top of Store. It also holds the
// current site send schedule; Settings is safe for concurrent use and is the
// source the dispatcher reads at every tick.
type Service struct {
	store    Store
	clock    types.Clock
	logger   *slog.Logger
	validate *validator.Validate
	tmpl     *render.Renderer

	mu       sync.RWMutex
	settings schedule.Settings
}

// NewService creates a Service. Unusable schedule fields are replaced by their
// fallbacks and logged once here.
func NewService(store Store, settings schedule.Settings, clock types.Clock, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	normalized, problems := settings.Normalize()
	for _, p := range problems {
		logger.Warn("send schedule setting replaced by fallback", "problem", p)
	}
	return &Service{
		store:    store,
		clock:    clock,
		logger:   logger,
		validate: validator.New(),
		tmpl:     render.NewRenderer(),
		settings: normalized,
	}
}

// Settings returns the current send schedule.
func (s *Service) Settings() schedule.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// Create validates and stores a new pending job. A recurring job with a
// concrete cadence gets its first slot at least DefaultBuffer ahead; every
// other job starts with no next_send_date.
func (s *Service) Create(ctx context.Context, in JobInput) (*types.NotificationJob, error) {
	job := &types.NotificationJob{
		Status:      types.JobPending,
		CreatedDate: s.clock.Now(),
	}
	in.applyTo(job)
	if err := s.check(job); err != nil {
		return nil, err
	}

	if job.HasSchedule() {
		next, err := schedule.NextFireWithBuffer(job.FrequencyTarget, s.Settings(), s.clock.Now(), schedule.DefaultBuffer)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to schedule job", err)
		}
		job.NextSendDate = &next
	} else if job.IsRecurring {
		s.logger.WarnContext(ctx, "recurring job without a cadence will never fire", "title", job.Title)
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "notification job created",
		"notification_id", job.ID,
		"recurring", job.IsRecurring,
		"frequency", string(job.FrequencyTarget),
	)
	return job, nil
}

// Update applies an admin edit.
//
// For a pending job the schedule is recomputed with EditBuffer when the job
// is recurring and its cadence changed, it was one-time before, or its
// current slot is missing or already past. Converting to one-time clears the
// slot. Sent and cancelled jobs keep whatever next_send_date they had.
func (s *Service) Update(ctx context.Context, id int64, in JobInput) (*types.NotificationJob, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *job
	in.applyTo(job)
	if err := s.check(job); err != nil {
		return nil, err
	}

	if job.Status == types.JobPending {
		now := s.clock.Now()
		switch {
		case !job.IsRecurring:
			job.NextSendDate = nil
		case !job.FrequencyTarget.Valid():
			job.NextSendDate = nil
		case job.FrequencyTarget != before.FrequencyTarget,
			!before.IsRecurring,
			job.NextSendDate == nil,
			!job.NextSendDate.After(now):
			next, err := schedule.NextFireWithBuffer(job.FrequencyTarget, s.Settings(), now, schedule.EditBuffer)
			if err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to reschedule job", err)
			}
			job.NextSendDate = &next
		}
	}

	if err := s.store.Update(ctx, job, before.Status, before.NextSendDate); err != nil {
		return nil, err
	}
	if !sameInstant(before.NextSendDate, job.NextSendDate) {
		s.logger.InfoContext(ctx, "notification job rescheduled",
			"notification_id", job.ID,
			"frequency", string(job.FrequencyTarget),
			"next_send_date", job.NextSendDate,
		)
	}
	return job, nil
}

// Cancel moves a pending job to cancelled. Cancelling a cancelled job is a
// no-op; a sent job cannot be cancelled.
func (s *Service) Cancel(ctx context.Context, id int64) (*types.NotificationJob, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case types.JobCancelled:
		return job, nil
	case types.JobSent:
		return nil, types.NewAppError(types.ErrCodeConflictState, "sent notification cannot be cancelled", nil)
	}

	prev := job.Status
	job.Status = types.JobCancelled
	if err := s.store.Update(ctx, job, prev, job.NextSendDate); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "notification job cancelled", "notification_id", job.ID)
	return job, nil
}

// Reactivate moves a cancelled job back to pending. A recurring job whose
// slot is missing or less than DefaultBuffer away gets a fresh one.
func (s *Service) Reactivate(ctx context.Context, id int64) (*types.NotificationJob, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobCancelled {
		return nil, types.NewAppError(types.ErrCodeConflictState,
			fmt.Sprintf("only cancelled notifications can be reactivated (status %s)", job.Status), nil)
	}

	prevNext := job.NextSendDate
	job.Status = types.JobPending
	if job.HasSchedule() {
		now := s.clock.Now()
		if job.NextSendDate == nil || job.NextSendDate.Sub(now) < schedule.DefaultBuffer {
			next, err := schedule.NextFireWithBuffer(job.FrequencyTarget, s.Settings(), now, schedule.DefaultBuffer)
			if err != nil {
				return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to reschedule job", err)
			}
			job.NextSendDate = &next
		}
	}

	if err := s.store.Update(ctx, job, types.JobCancelled, prevNext); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "notification job reactivated",
		"notification_id", job.ID,
		"next_send_date", job.NextSendDate,
	)
	return job, nil
}

// RescheduleReport summarises a settings change.
type RescheduleReport struct {
	Frequencies []types.Frequency
	Updated     int
	Failed      int
}

// ApplySettings installs a new send schedule. Pending recurring jobs are
// recomputed with EditBuffer only for the cadences whose settings actually
// changed; jobs of other cadences keep their slot. Failures on individual jobs are logged and
// counted, and the remaining jobs are still processed.
func (s *Service) ApplySettings(ctx context.Context, next schedule.Settings) (RescheduleReport, error) {
	normalized, problems := next.Normalize()
	for _, p := range problems {
		s.logger.WarnContext(ctx, "send schedule setting replaced by fallback", "problem", p)
	}

	s.mu.Lock()
	daily, weekly, monthly := s.settings.Changed(normalized)
	s.settings = normalized
	s.mu.Unlock()

	changed := map[types.Frequency]bool{
		types.FrequencyDaily:   daily,
		types.FrequencyWeekly:  weekly,
		types.FrequencyMonthly: monthly,
	}
	var report RescheduleReport
	for _, freq := range types.RecurringFrequencies {
		if changed[freq] {
			report.Frequencies = append(report.Frequencies, freq)
		}
	}

	now := s.clock.Now()
	for _, freq := range report.Frequencies {
		pending, err := s.store.ListPendingRecurring(ctx, freq)
		if err != nil {
			return report, fmt.Errorf("listing %s jobs: %w", freq, err)
		}
		for _, job := range pending {
			slot, err := schedule.NextFireWithBuffer(freq, normalized, now, schedule.EditBuffer)
			if err == nil {
				err = s.store.SetNextSendDate(ctx, job.ID, &slot)
			}
			if err != nil {
				report.Failed++
				s.logger.ErrorContext(ctx, "failed to reschedule job after settings change",
					"notification_id", job.ID,
					"frequency", string(freq),
					"error", err,
				)
				continue
			}
			report.Updated++
		}
	}

	s.logger.InfoContext(ctx, "send schedule updated",
		"frequencies", report.Frequencies,
		"updated", report.Updated,
		"failed", report.Failed,
	)
	return report, nil
}

func (s *Service) check(job *types.NotificationJob) error {
	if err := s.validate.Struct(job); err != nil {
		return types.NewAppError(types.ErrCodeValidationJob, "invalid notification", err)
	}
	if err := s.tmpl.Parse(job.Subject); err != nil {
		return types.NewAppError(types.ErrCodeValidationJob, "subject is not a valid template", err)
	}
	if err := s.tmpl.Parse(job.Content); err != nil {
		return types.NewAppError(types.ErrCodeValidationJob, "content is not a valid template", err)
	}
	return nil
}

func (in JobInput) applyTo(job *types.NotificationJob) {
	job.Title = in.Title
	job.Subject = in.Subject
	job.Content = in.Content
	job.NewsCategories = types.NewCategorySet(in.NewsCategories...)
	job.MeetingCategories = types.NewCategorySet(in.MeetingCategories...)
	job.FrequencyTarget = in.FrequencyTarget
	job.IsRecurring = in.IsRecurring
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
