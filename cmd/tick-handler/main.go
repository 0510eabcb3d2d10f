// Package main is the Lambda entry point for scheduled dispatch.
//
// Deployments without a long-running daemon point an EventBridge rule at this
// function, typically once a minute with {"task":"dispatch_tick"}. Separate
// rules may drive single passes or the feed import.
//
// Handler flow:
//  1. Parse the TickPayload and determine the reference time.
//  2. Acquire a task lock keyed by task and minute so a duplicate delivery of
//     the same event does nothing.
//  3. Record job start in job_history.
//  4. Run the task.
//  5. Record completion with status and item count.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"github.com/google/uuid"

	"civicnotify/internal/app"
	"civicnotify/internal/config"
	"civicnotify/internal/content"
	"civicnotify/internal/dispatch"
	"civicnotify/internal/types"
)

// lockTTL covers the longest expected invocation.
const lockTTL = 15 * time.Minute

// TaskType names what one invocation runs.
type TaskType string

const (
	TaskDispatchTick    TaskType = "dispatch_tick"
	TaskDispatchDaily   TaskType = "dispatch_daily"
	TaskDispatchWeekly  TaskType = "dispatch_weekly"
	TaskDispatchMonthly TaskType = "dispatch_monthly"
	TaskDispatchOneTime TaskType = "dispatch_onetime"
	TaskImportFeeds     TaskType = "import_feeds"
)

// TickPayload is the EventBridge input.
type TickPayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides the current time, for replays.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// Dispatcher is the subset of dispatch.Dispatcher the handler calls.
type Dispatcher interface {
	Tick(ctx context.Context, now time.Time) dispatch.TickReport
	RunRecurring(ctx context.Context, freq types.Frequency, now time.Time) ([]dispatch.JobResult, error)
	RunOneTime(ctx context.Context, now time.Time) ([]dispatch.JobResult, error)
}

// Importer polls the configured feeds.
type Importer interface {
	Import(ctx context.Context) content.ImportReport
}

// JobLocker abstracts the task lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, lockID string, workerID string) error
}

// JobHistorian abstracts the job history recording.
type JobHistorian interface {
	Start(ctx context.Context, jobType string) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, err error) error
}

// Handler holds the dependencies of the Lambda handler.
type Handler struct {
	Dispatcher Dispatcher
	// Importer is nil when no feeds are configured.
	Importer   Importer
	JobLock    JobLocker
	JobHistory JobHistorian
	WorkerID   string
	Logger     *slog.Logger
}

// Handle runs one task.
func (h *Handler) Handle(ctx context.Context, payload TickPayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	task := string(payload.Task)
	if task == "" {
		return "", fmt.Errorf("empty task in tick payload")
	}
	reqID := invocationID(ctx)
	ctx = types.WithRequestID(ctx, reqID)
	logger = logger.With("request_id", reqID)
	logger.InfoContext(ctx, "tick handler invoked",
		"task", task,
		"reference_time", now.Format(time.RFC3339),
		"worker_id", h.WorkerID,
	)

	lockID := fmt.Sprintf("%s:%s", task, now.Truncate(time.Minute).Format("2006-01-02T15:04"))
	acquired, err := h.JobLock.Acquire(ctx, lockID, h.WorkerID, lockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire task lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring task lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "task lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}
	defer func() {
		if err := h.JobLock.Release(context.WithoutCancel(ctx), lockID, h.WorkerID); err != nil {
			logger.WarnContext(ctx, "failed to release task lock", "lock_id", lockID, "error", err)
		}
	}()

	jobID, err := h.JobHistory.Start(ctx, task)
	if err != nil {
		// History is best effort; 0 skips Finish.
		logger.ErrorContext(ctx, "failed to start job history", "task", task, "error", err)
		jobID = 0
	}

	items, execErr := h.run(ctx, payload.Task, now)

	status := "success"
	if execErr != nil {
		status = "failed"
	}
	if jobID != 0 {
		if err := h.JobHistory.Finish(context.WithoutCancel(ctx), jobID, status, items, execErr); err != nil {
			logger.ErrorContext(ctx, "failed to finish job history", "job_id", jobID, "error", err)
		}
	}

	if execErr != nil {
		logger.ErrorContext(ctx, "task failed", "task", task, "items", items, "error", execErr)
		return "", fmt.Errorf("task %s failed: %w", task, execErr)
	}
	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	logger.InfoContext(ctx, result, "task", task, "items", items)
	return result, nil
}

// invocationID is the Lambda request id, or a fresh uuid outside Lambda.
func invocationID(ctx context.Context) string {
	if lc, ok := lambdacontext.FromContext(ctx); ok && lc.AwsRequestID != "" {
		return lc.AwsRequestID
	}
	return uuid.NewString()
}

// run executes task. Items are emails sent for dispatch tasks and inserted
// content items for the import.
func (h *Handler) run(ctx context.Context, task TaskType, now time.Time) (int, error) {
	switch task {
	case TaskDispatchTick:
		report := h.Dispatcher.Tick(ctx, now)
		sent, _, _ := report.Totals()
		return sent, report.Err()

	case TaskDispatchDaily:
		return sentOf(h.Dispatcher.RunRecurring(ctx, types.FrequencyDaily, now))
	case TaskDispatchWeekly:
		return sentOf(h.Dispatcher.RunRecurring(ctx, types.FrequencyWeekly, now))
	case TaskDispatchMonthly:
		return sentOf(h.Dispatcher.RunRecurring(ctx, types.FrequencyMonthly, now))
	case TaskDispatchOneTime:
		return sentOf(h.Dispatcher.RunOneTime(ctx, now))

	case TaskImportFeeds:
		if h.Importer == nil {
			return 0, nil
		}
		// Feed failures are logged by the importer and retried next run.
		return h.Importer.Import(ctx).Inserted, nil

	default:
		return 0, fmt.Errorf("unknown task type: %q", task)
	}
}

func sentOf(results []dispatch.JobResult, err error) (int, error) {
	sent := 0
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, r := range results {
		sent += r.Sent
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("notification %d: %w", r.NotificationID, r.Err))
		}
	}
	return sent, errors.Join(errs...)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("tick handler initializing (cold start)")

	cfg, err := config.LoadConfig(app.SecretProvider())
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger = app.NewLogger(cfg.LogLevel)

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	h := &Handler{
		Dispatcher: a.Dispatcher,
		JobLock:    a.JobLocks,
		JobHistory: a.JobHistory,
		WorkerID:   uuid.New().String(),
		Logger:     logger,
	}
	if a.Importer != nil {
		h.Importer = a.Importer
	}

	logger.Info("tick handler initialized", "worker_id", h.WorkerID)
	lambda.Start(h.Handle)
}
