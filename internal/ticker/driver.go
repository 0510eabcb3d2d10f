// Package ticker drives the dispatch loop in a long-running process. A cron
// entry ticks every interval, and a deadline waker ticks early when the
// nearest next_send_date falls between two interval ticks. A feed import
// entry runs on its own schedule when an importer is configured.
package ticker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"civicnotify/internal/content"
	"civicnotify/internal/dispatch"
	"civicnotify/internal/types"
)

// DefaultInterval is the tick period when none is configured.
const DefaultInterval = 60 * time.Second

// Dispatcher runs one dispatch tick.
type Dispatcher interface {
	Tick(ctx context.Context, now time.Time) dispatch.TickReport
}

// DueSource reports the earliest pending recurring deadline, or nil.
type DueSource interface {
	NextDueAt(ctx context.Context) (*time.Time, error)
}

// Importer pulls site content from feeds.
type Importer interface {
	Import(ctx context.Context) content.ImportReport
}

// Config configures a Driver.
type Config struct {
	Dispatcher Dispatcher
	// Due is optional; without it the driver only ticks on the interval.
	Due DueSource
	// Importer is optional.
	Importer       Importer
	Interval       time.Duration
	ImportInterval time.Duration
	Clock          types.Clock
	Logger         *slog.Logger
}

// Driver schedules ticks. At most one tick runs at a time in a process;
// a tick that comes due while another is running is dropped.
type Driver struct {
	cfg      Config
	logger   *slog.Logger
	running  atomic.Bool
	ticks    atomic.Int64
	lastTick atomic.Int64 // unix nanos
	started  atomic.Int64 // unix nanos of the running tick, 0 when idle
}

// NewDriver creates a Driver.
func NewDriver(cfg Config) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: cfg.Logger.With("component", "ticker")}
}

// Ticks returns how many ticks have completed.
func (d *Driver) Ticks() int64 {
	return d.ticks.Load()
}

// LastTick returns when the most recent tick finished, or the zero time.
func (d *Driver) LastTick() time.Time {
	n := d.lastTick.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// TickStarted returns when the running tick began, or the zero time when no
// tick is running.
func (d *Driver) TickStarted() time.Time {
	n := d.started.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Run ticks until ctx is cancelled, then waits for a running tick to finish.
func (d *Driver) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{d.logger}))

	if _, err := c.AddFunc(every(d.cfg.Interval), func() { d.Tick(ctx, "interval") }); err != nil {
		return fmt.Errorf("schedule dispatch tick: %w", err)
	}
	if d.cfg.Importer != nil && d.cfg.ImportInterval > 0 {
		_, err := c.AddJob(every(d.cfg.ImportInterval), cron.NewChain(cron.SkipIfStillRunning(cronLogger{d.logger})).Then(cron.FuncJob(func() {
			d.cfg.Importer.Import(ctx)
		})))
		if err != nil {
			return fmt.Errorf("schedule feed import: %w", err)
		}
	}

	d.logger.InfoContext(ctx, "tick driver started",
		"interval", d.cfg.Interval.String(),
		"import_interval", d.cfg.ImportInterval.String(),
	)
	c.Start()

	// First tick right away so a restart does not wait a full interval.
	go d.Tick(ctx, "startup")
	if d.cfg.Due != nil {
		go d.wakeOnDeadlines(ctx)
	}

	<-ctx.Done()
	<-c.Stop().Done()
	for d.running.Load() {
		time.Sleep(10 * time.Millisecond)
	}
	d.logger.Info("tick driver stopped", "ticks", d.Ticks())
	return nil
}

// Tick runs one dispatch tick unless one is already running. It reports
// whether the tick ran.
func (d *Driver) Tick(ctx context.Context, trigger string) bool {
	if ctx.Err() != nil {
		return false
	}
	if !d.running.CompareAndSwap(false, true) {
		d.logger.DebugContext(ctx, "tick skipped, previous tick still running", "trigger", trigger)
		return false
	}
	defer d.running.Store(false)
	d.started.Store(time.Now().UnixNano())
	defer d.started.Store(0)

	tickID := "tick-" + uuid.NewString()
	ctx = types.WithRequestID(ctx, tickID)
	report := d.cfg.Dispatcher.Tick(ctx, d.cfg.Clock.Now())
	d.ticks.Add(1)
	d.lastTick.Store(time.Now().UnixNano())
	if err := report.Err(); err != nil {
		d.logger.WarnContext(ctx, "tick finished with errors", "trigger", trigger, "tick_id", tickID, "error", err)
	}
	return true
}

func (d *Driver) wakeOnDeadlines(ctx context.Context) {
	for {
		next, err := d.cfg.Due.NextDueAt(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.WarnContext(ctx, "failed to read next deadline", "error", err)
		}
		wait, deadline := nextWake(d.cfg.Clock.Now(), next, d.cfg.Interval)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if deadline {
			d.Tick(ctx, "deadline")
		}
	}
}

// nextWake returns how long the waker sleeps and whether it should tick on
// waking. Only deadlines strictly inside the next interval wake it early;
// overdue jobs are left to the interval tick.
func nextWake(now time.Time, next *time.Time, interval time.Duration) (time.Duration, bool) {
	if next == nil || !next.After(now) {
		return interval, false
	}
	wait := next.Sub(now)
	if wait >= interval {
		return interval, false
	}
	return wait, true
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
