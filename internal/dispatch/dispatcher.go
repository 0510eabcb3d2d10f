// Package dispatch runs the notification dispatch loop. Each tick walks the
// due recurring jobs of every cadence, then a bounded batch of one-time jobs,
// and for each job sends one rendered email per matched subscriber with
// relevant content before moving the job to its next state.
//
// A job is processed under a per-job lease and re-read after the lease is
// taken, so overlapping ticks never send the same occurrence twice. State
// transitions are compare-and-set in the store for the same reason.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"civicnotify/internal/lock"
	"civicnotify/internal/notifications/email"
	"civicnotify/internal/notifications/render"
	"civicnotify/internal/schedule"
	"civicnotify/internal/targeting"
	"civicnotify/internal/types"
)

// Defaults applied by NewDispatcher when Config leaves a field zero.
const (
	DefaultOneTimeBatchSize = 10
	DefaultSendConcurrency  = 4
	DefaultLockTTL          = 15 * time.Minute
)

// JobStore is the notification store as used by the loop.
type JobStore interface {
	GetByID(ctx context.Context, id int64) (*types.NotificationJob, error)
	ListDue(ctx context.Context, freq types.Frequency, now time.Time) ([]types.NotificationJob, error)
	// ListDueOneTime pages through pending one-time jobs in (created_date,
	// id) order, starting after the cursor.
	ListDueOneTime(ctx context.Context, freqs []types.Frequency, after types.JobCursor, limit int) ([]types.NotificationJob, error)
	// MarkSentOneTime moves a pending one-time job to sent. ok is false when
	// the job was no longer pending.
	MarkSentOneTime(ctx context.Context, id int64, now time.Time) (bool, error)
	// AdvanceRecurring sets next_send_date to next if it still equals
	// expected. ok is false when another worker advanced it first.
	AdvanceRecurring(ctx context.Context, id int64, expected, next, now time.Time) (bool, error)
}

// SubscriberStore records delivery on the subscriber row.
type SubscriberStore interface {
	UpdateLastNotified(ctx context.Context, id int64, at time.Time) error
}

// AttemptLog reports which subscribers already have an email log row for a
// job since a given instant.
type AttemptLog interface {
	AttemptedSince(ctx context.Context, notificationID int64, since time.Time) (map[int64]bool, error)
}

// Mailer sends one rendered email and logs the attempt.
type Mailer interface {
	Send(ctx context.Context, msg email.Message) (*email.Result, error)
}

// Outcome is how the loop left a job.
type Outcome string

const (
	// OutcomeCompleted means emails went out (or nobody had relevant
	// content) and the job moved to its next state.
	OutcomeCompleted Outcome = "completed"
	// OutcomeLocked means another worker holds the job's lease.
	OutcomeLocked Outcome = "locked"
	// OutcomeNotDue means the job changed between listing and locking.
	OutcomeNotDue Outcome = "not_due"
	// OutcomeNoAudience means no subscriber matched; the job is untouched
	// and is considered again on the next tick.
	OutcomeNoAudience Outcome = "no_audience"
	// OutcomeRaced means emails went out but the state transition found
	// the job already moved.
	OutcomeRaced Outcome = "raced"
	// OutcomeInterrupted means the tick was cancelled or the lease was lost
	// before every subscriber was attempted. The job is left due; the next
	// run skips subscribers that already have a log row.
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeError       Outcome = "error"
)

// JobResult describes one processed job.
type JobResult struct {
	NotificationID int64
	Frequency      types.Frequency
	Recurring      bool
	Outcome        Outcome

	Matched int
	Sent    int
	Failed  int
	Skipped int
	// Resumed counts subscribers left out because an earlier, interrupted
	// run already attempted them.
	Resumed int

	// NextSendDate is set when a recurring job was advanced.
	NextSendDate *time.Time
	Err          error
}

// Kind labels the job as recurring or one-time.
func (r JobResult) Kind() string {
	if r.Recurring {
		return "recurring"
	}
	return "one_time"
}

// TickReport summarizes one tick.
type TickReport struct {
	Now      time.Time
	Duration time.Duration
	Jobs     []JobResult
	// Errors holds pass-level failures such as a failed due-job listing.
	Errors []error
}

// Totals sums the per-job email counters.
func (r TickReport) Totals() (sent, failed, skipped int) {
	for _, j := range r.Jobs {
		sent += j.Sent
		failed += j.Failed
		skipped += j.Skipped
	}
	return sent, failed, skipped
}

// Err joins every pass-level and per-job error.
func (r TickReport) Err() error {
	errs := append([]error(nil), r.Errors...)
	for _, j := range r.Jobs {
		if j.Err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", j.NotificationID, j.Err))
		}
	}
	return errors.Join(errs...)
}

// Config tunes the loop.
type Config struct {
	OneTimeBatchSize int
	SendConcurrency  int
	LockTTL          time.Duration
	// LeaseRenewEvery is how often a held job lease is extended while its
	// emails go out. Defaults to a third of LockTTL.
	LeaseRenewEvery time.Duration

	// ManageURL is the subscription management page. The subscriber's token
	// is appended as ?token=.
	ManageURL string
	SiteName  string
}

// Deps holds the collaborators of a Dispatcher.
type Deps struct {
	Jobs        JobStore
	Subscribers SubscriberStore
	Matcher     *targeting.Matcher
	Relevance   *targeting.RelevanceFilter
	Renderer    *render.Renderer
	Mailer      Mailer
	Locker      lock.Locker
	Settings    targeting.SettingsSource
	// Attempts is optional; without it an interrupted job is resent to
	// everyone on its next run.
	Attempts AttemptLog
	// Metrics is optional.
	Metrics Metrics
	Logger  *slog.Logger
}

// Dispatcher runs dispatch passes.
type Dispatcher struct {
	jobs        JobStore
	subscribers SubscriberStore
	matcher     *targeting.Matcher
	relevance   *targeting.RelevanceFilter
	renderer    *render.Renderer
	mailer      Mailer
	locker      lock.Locker
	settings    targeting.SettingsSource
	attempts    AttemptLog
	metrics     Metrics
	cfg         Config
	logger      *slog.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(deps Deps, cfg Config) *Dispatcher {
	if cfg.OneTimeBatchSize <= 0 {
		cfg.OneTimeBatchSize = DefaultOneTimeBatchSize
	}
	if cfg.SendConcurrency <= 0 {
		cfg.SendConcurrency = DefaultSendConcurrency
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if cfg.LeaseRenewEvery <= 0 {
		cfg.LeaseRenewEvery = cfg.LockTTL / 3
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = NopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		jobs:        deps.Jobs,
		subscribers: deps.Subscribers,
		matcher:     deps.Matcher,
		relevance:   deps.Relevance,
		renderer:    deps.Renderer,
		mailer:      deps.Mailer,
		locker:      deps.Locker,
		settings:    deps.Settings,
		attempts:    deps.Attempts,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
	}
}

// Tick runs the daily, weekly and monthly recurring passes and then the
// one-time pass. A failing pass or job is logged and reported; it never
// stops the rest of the tick.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) TickReport {
	start := time.Now()
	report := TickReport{Now: now}

	for _, freq := range types.RecurringFrequencies {
		if ctx.Err() != nil {
			break
		}
		jobs, err := d.RunRecurring(ctx, freq, now)
		report.Jobs = append(report.Jobs, jobs...)
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
	}
	if ctx.Err() == nil {
		jobs, err := d.RunOneTime(ctx, now)
		report.Jobs = append(report.Jobs, jobs...)
		if err != nil {
			report.Errors = append(report.Errors, err)
		}
	}

	report.Duration = time.Since(start)
	d.metrics.RecordTick(ctx, report.Duration)

	sent, failed, skipped := report.Totals()
	d.logger.InfoContext(ctx, "dispatch tick finished",
		"jobs", len(report.Jobs),
		"sent", sent,
		"failed", failed,
		"skipped", skipped,
		"errors", len(report.Errors),
		"duration_ms", report.Duration.Milliseconds(),
	)
	return report
}

// RunRecurring processes every pending recurring job of freq whose
// next_send_date has passed.
func (d *Dispatcher) RunRecurring(ctx context.Context, freq types.Frequency, now time.Time) ([]JobResult, error) {
	due, err := d.jobs.ListDue(ctx, freq, now)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to list due recurring jobs", "frequency", freq, "error", err)
		return nil, fmt.Errorf("list due %s jobs: %w", freq, err)
	}
	return d.processAll(ctx, due, now), nil
}

// RunOneTime processes up to OneTimeBatchSize pending one-time jobs, oldest
// first, whose target cadence has reached today's send slot. Jobs aimed at
// every cadence follow the daily slot. Jobs that were not worked on (no
// audience, locked elsewhere, changed) do not use up the batch, so they can
// never starve newer jobs.
func (d *Dispatcher) RunOneTime(ctx context.Context, now time.Time) ([]JobResult, error) {
	freqs := d.openGates(now)
	if len(freqs) == 0 {
		return nil, nil
	}
	var (
		results []JobResult
		after   types.JobCursor
		worked  int
	)
	for worked < d.cfg.OneTimeBatchSize && ctx.Err() == nil {
		page, err := d.jobs.ListDueOneTime(ctx, freqs, after, d.cfg.OneTimeBatchSize)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to list due one-time jobs", "error", err)
			return results, fmt.Errorf("list due one-time jobs: %w", err)
		}
		for i := range page {
			if worked == d.cfg.OneTimeBatchSize || ctx.Err() != nil {
				break
			}
			r := d.processJob(ctx, &page[i], now)
			d.metrics.RecordJob(ctx, r)
			results = append(results, r)
			if r.worked() {
				worked++
			}
		}
		if len(page) < d.cfg.OneTimeBatchSize {
			break
		}
		after = page[len(page)-1].Cursor()
	}
	return results, nil
}

func (r JobResult) worked() bool {
	switch r.Outcome {
	case OutcomeNoAudience, OutcomeLocked, OutcomeNotDue:
		return false
	}
	return true
}

var oneTimeTargets = []types.Frequency{
	types.FrequencyDaily,
	types.FrequencyWeekly,
	types.FrequencyMonthly,
	types.FrequencyAll,
}

func (d *Dispatcher) openGates(now time.Time) []types.Frequency {
	settings := d.settings.Settings()
	var open []types.Frequency
	for _, freq := range oneTimeTargets {
		if schedule.GateOpen(freq, settings, now) {
			open = append(open, freq)
		}
	}
	return open
}

func (d *Dispatcher) processAll(ctx context.Context, due []types.NotificationJob, now time.Time) []JobResult {
	results := make([]JobResult, 0, len(due))
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		r := d.processJob(ctx, &due[i], now)
		d.metrics.RecordJob(ctx, r)
		results = append(results, r)
	}
	return results
}

func (d *Dispatcher) processJob(ctx context.Context, listed *types.NotificationJob, now time.Time) JobResult {
	res := JobResult{
		NotificationID: listed.ID,
		Frequency:      listed.FrequencyTarget,
		Recurring:      listed.IsRecurring,
	}
	logger := d.logger.With(
		"notification_id", listed.ID,
		"frequency", frequencyLabel(listed.FrequencyTarget),
		"recurring", listed.IsRecurring,
	)
	fail := func(stage string, err error) JobResult {
		res.Outcome = OutcomeError
		res.Err = fmt.Errorf("%s: %w", stage, err)
		logger.ErrorContext(ctx, "notification job failed", "stage", stage, "error", err)
		return res
	}

	lease, ok, err := d.locker.Acquire(ctx, lock.JobKey(listed.ID), d.cfg.LockTTL)
	if err != nil {
		return fail("acquire lock", err)
	}
	if !ok {
		res.Outcome = OutcomeLocked
		logger.DebugContext(ctx, "notification job held by another worker")
		return res
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			logger.WarnContext(ctx, "failed to release job lock", "error", err)
		}
	}()

	// Sends stop as soon as the lease is lost so another worker never
	// overlaps with this one.
	sendCtx, stopSends := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		d.renewLease(sendCtx, lease, stopSends, logger)
	}()
	defer func() {
		stopSends()
		<-renewDone
	}()

	job, err := d.jobs.GetByID(ctx, listed.ID)
	if err != nil {
		if types.CodeOf(err) == types.ErrCodeNotFoundNotification {
			res.Outcome = OutcomeNotDue
			return res
		}
		return fail("reload job", err)
	}
	if !stillDue(job, now) {
		res.Outcome = OutcomeNotDue
		logger.InfoContext(ctx, "notification job changed before processing", "status", job.Status)
		return res
	}
	res.Frequency = job.FrequencyTarget

	subs, err := d.matcher.Match(ctx, job)
	if err != nil {
		return fail("match subscribers", err)
	}
	res.Matched = len(subs)
	if len(subs) == 0 {
		res.Outcome = OutcomeNoAudience
		logger.InfoContext(ctx, "no subscribers match notification job")
		return res
	}

	subs, res.Resumed, err = d.dropAttempted(ctx, job, subs)
	if err != nil {
		return fail("load earlier attempts", err)
	}
	if res.Resumed > 0 {
		logger.InfoContext(ctx, "resuming interrupted notification job", "already_attempted", res.Resumed)
	}

	var interrupted int
	res.Sent, res.Failed, res.Skipped, interrupted = d.deliver(sendCtx, job, subs, now, logger)
	if interrupted > 0 {
		res.Outcome = OutcomeInterrupted
		logger.WarnContext(ctx, "notification job interrupted before every subscriber was attempted",
			"sent", res.Sent,
			"failed", res.Failed,
			"not_attempted", interrupted,
		)
		return res
	}

	// Sends are done; the transition must land even if the tick is cancelled.
	tctx := context.WithoutCancel(ctx)
	var moved bool
	if job.IsRecurring {
		next, err := schedule.NextFireWithBuffer(job.FrequencyTarget, d.settings.Settings(), now, schedule.DefaultBuffer)
		if err != nil {
			return fail("compute next send date", err)
		}
		moved, err = d.jobs.AdvanceRecurring(tctx, job.ID, *job.NextSendDate, next, now)
		if err != nil {
			return fail("advance recurring job", err)
		}
		if moved {
			res.NextSendDate = &next
		}
	} else {
		moved, err = d.jobs.MarkSentOneTime(tctx, job.ID, now)
		if err != nil {
			return fail("mark job sent", err)
		}
	}

	if !moved {
		res.Outcome = OutcomeRaced
		logger.WarnContext(ctx, "notification job moved by another worker during send", "sent", res.Sent)
		return res
	}
	res.Outcome = OutcomeCompleted
	logger.InfoContext(ctx, "notification job processed",
		"matched", res.Matched,
		"sent", res.Sent,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"next_send_date", res.NextSendDate,
	)
	return res
}

// renewLease extends lease every LeaseRenewEvery until ctx ends. A lost
// lease calls stop; other errors are retried on the next beat.
func (d *Dispatcher) renewLease(ctx context.Context, lease lock.Lease, stop context.CancelFunc, logger *slog.Logger) {
	t := time.NewTicker(d.cfg.LeaseRenewEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		err := lease.Extend(ctx, d.cfg.LockTTL)
		switch {
		case err == nil:
		case errors.Is(err, lock.ErrLeaseLost):
			logger.ErrorContext(ctx, "job lease lost while sending, stopping")
			stop()
			return
		case ctx.Err() == nil:
			logger.WarnContext(ctx, "failed to extend job lease", "error", err)
		}
	}
}

// dropAttempted removes subscribers that already have a log row for the
// job's current occurrence. A recurring occurrence starts at its
// next_send_date; a one-time job has a single occurrence.
func (d *Dispatcher) dropAttempted(ctx context.Context, job *types.NotificationJob, subs []types.Subscriber) ([]types.Subscriber, int, error) {
	if d.attempts == nil {
		return subs, 0, nil
	}
	var since time.Time
	if job.IsRecurring {
		since = *job.NextSendDate
	}
	attempted, err := d.attempts.AttemptedSince(ctx, job.ID, since)
	if err != nil || len(attempted) == 0 {
		return subs, 0, err
	}
	kept := subs[:0:0]
	for _, sub := range subs {
		if !attempted[sub.ID] {
			kept = append(kept, sub)
		}
	}
	return kept, len(subs) - len(kept), nil
}

func stillDue(job *types.NotificationJob, now time.Time) bool {
	if job.IsRecurring {
		return job.HasSchedule() && job.IsDue(now)
	}
	return job.Status == types.JobPending
}

// deliver sends job to every subscriber in subs that has relevant content.
// Per-subscriber failures are counted, never returned. interrupted counts
// subscribers that were never attempted because ctx ended first; they have
// no log row.
func (d *Dispatcher) deliver(ctx context.Context, job *types.NotificationJob, subs []types.Subscriber, now time.Time, logger *slog.Logger) (sent, failed, skipped, interrupted int) {
	var nSent, nFailed, nSkipped, nInterrupted atomic.Int64
	scope := d.relevance.ForJob(job, now)
	loc := d.settings.Settings().Location()

	var g errgroup.Group
	g.SetLimit(d.cfg.SendConcurrency)
	for i := range subs {
		sub := &subs[i]
		g.Go(func() error {
			result := d.deliverOne(ctx, job, sub, scope, now, loc, logger)
			switch result {
			case EmailResultSent:
				nSent.Add(1)
			case EmailResultSkipped:
				nSkipped.Add(1)
			case emailNotAttempted:
				nInterrupted.Add(1)
				return nil
			default:
				nFailed.Add(1)
			}
			d.metrics.RecordEmail(ctx, job.FrequencyTarget, result)
			return nil
		})
	}
	_ = g.Wait()
	return int(nSent.Load()), int(nFailed.Load()), int(nSkipped.Load()), int(nInterrupted.Load())
}

// emailNotAttempted marks a subscriber skipped because the run was cut short.
const emailNotAttempted = "not_attempted"

func (d *Dispatcher) deliverOne(ctx context.Context, job *types.NotificationJob, sub *types.Subscriber, scope *targeting.JobScope, now time.Time, loc *time.Location, logger *slog.Logger) string {
	if ctx.Err() != nil {
		return emailNotAttempted
	}
	logger = logger.With("subscriber_id", sub.ID)

	relevant, err := scope.HasRelevantContent(ctx, sub)
	if err != nil {
		if ctx.Err() != nil {
			return emailNotAttempted
		}
		logger.ErrorContext(ctx, "relevance check failed", "error", err)
		return EmailResultFailed
	}
	if !relevant {
		return EmailResultSkipped
	}

	digest, err := scope.RelevantContent(ctx, sub)
	if err != nil {
		if ctx.Err() != nil {
			return emailNotAttempted
		}
		logger.ErrorContext(ctx, "failed to load relevant content", "error", err)
		return EmailResultFailed
	}

	subject, body, err := d.renderer.Compose(job.Subject, job.Content, render.RenderContext{
		Subscriber:     sub,
		Notification:   job,
		News:           digest.News,
		Meetings:       digest.Meetings,
		ManageURL:      d.manageURL(sub, ""),
		UnsubscribeURL: d.manageURL(sub, "unsubscribe"),
		SiteName:       d.cfg.SiteName,
		Now:            now,
		Location:       loc,
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to render notification", "error", err)
		return EmailResultFailed
	}

	id := job.ID
	if res, err := d.mailer.Send(ctx, email.Message{
		To:             sub.Email,
		Subject:        subject,
		HTML:           body,
		SubscriberID:   sub.ID,
		NotificationID: &id,
		EmailType:      types.EmailTypeNotification,
	}); err != nil {
		if res == nil && ctx.Err() != nil {
			// No log row was written.
			return emailNotAttempted
		}
		logger.WarnContext(ctx, "notification email failed",
			"to", email.RedactEmail(sub.Email),
			"reason", email.FailureReason(err),
		)
		return EmailResultFailed
	}

	if err := d.subscribers.UpdateLastNotified(context.WithoutCancel(ctx), sub.ID, now); err != nil {
		logger.WarnContext(ctx, "failed to record last notified", "error", err)
	}
	return EmailResultSent
}

// manageURL builds the subscriber's management link, or "" without a base
// URL or token.
func (d *Dispatcher) manageURL(sub *types.Subscriber, action string) string {
	if d.cfg.ManageURL == "" || sub.ManagementToken == "" {
		return ""
	}
	u, err := url.Parse(d.cfg.ManageURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", sub.ManagementToken)
	if action != "" {
		q.Set("action", action)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
