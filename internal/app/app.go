// Package app builds the notifier's collaborators from configuration. The
// daemon and the Lambda tick handler share this wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"civicnotify/internal/config"
	"civicnotify/internal/content"
	"civicnotify/internal/db"
	"civicnotify/internal/dispatch"
	"civicnotify/internal/external"
	"civicnotify/internal/jobs"
	"civicnotify/internal/lock"
	"civicnotify/internal/notifications/email"
	"civicnotify/internal/notifications/render"
	"civicnotify/internal/schedule"
	"civicnotify/internal/security"
	"civicnotify/internal/targeting"
	"civicnotify/internal/types"
)

const (
	feedFetchTimeout = 30 * time.Second
	feedMaxRedirects = 5
)

// App holds the wired components. Close releases pools and clients.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool  *pgxpool.Pool
	Redis redis.UniversalClient // nil when REDIS_URL is unset

	Notifications *db.NotificationRepository
	Subscribers   *db.SubscriberRepository
	JobLocks      *db.JobLockRepository
	JobHistory    *db.JobHistoryRepository
	Jobs          *jobs.Service
	Dispatcher    *dispatch.Dispatcher
	Importer      *content.Importer // nil when no feeds are configured
}

// New connects to Postgres (and Redis when configured), loads the AWS SDK
// config and assembles the dispatch loop.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	if cfg.Database.ApplySchema {
		if err := db.ApplySchema(ctx, pool); err != nil {
			a.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		logger.Info("database schema applied")
	}

	awsCfg, err := loadAWS(ctx, cfg.AWS)
	if err != nil {
		a.Close()
		return nil, err
	}

	notifications := db.NewNotificationRepository(pool)
	subscribers := db.NewSubscriberRepository(pool)
	contentRepo := db.NewContentRepository(pool)
	emailLogs := db.NewEmailLogRepository(pool)
	a.Notifications = notifications
	a.Subscribers = subscribers
	a.JobLocks = db.NewJobLockRepository(pool)
	a.JobHistory = db.NewJobHistoryRepository(pool)

	var locker lock.Locker = lock.NewPostgresLocker(a.JobLocks)
	if url := cfg.Redis.URL.Unmask(); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		locker = lock.NewRedisLocker(a.Redis)
		logger.Info("job locks backed by redis")
	}

	provider, err := external.NewEmailProvider(cfg, awsCfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	var tracker *email.Tracker
	if !cfg.Tracking.Disabled {
		tracker = email.NewTracker(cfg.Tracking.BaseURL, cfg.Tracking.SigningKey)
	}
	sender := email.NewSender(email.SenderConfig{
		Provider: provider,
		Logs:     emailLogs,
		Tracker:  tracker,
		From: types.SenderIdentity{
			Name:    cfg.Email.FromName,
			Address: cfg.Email.FromAddress,
		},
		Timeout: cfg.Dispatch.SendTimeout,
		Logger:  types.NewSlogLogger(logger.With("component", "email")),
	})

	a.Jobs, err = SyncSchedule(ctx, db.NewSettingsRepository(pool), notifications, cfg.Schedule.Settings(), types.RealClock{}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("syncing send schedule: %w", err)
	}

	var metrics dispatch.Metrics = dispatch.NopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = dispatch.NewCloudWatchMetrics(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.Observability.MetricNamespace,
			types.NewSlogLogger(logger.With("component", "metrics")),
		)
	}

	a.Dispatcher = dispatch.NewDispatcher(dispatch.Deps{
		Jobs:        notifications,
		Subscribers: subscribers,
		Matcher:     targeting.NewMatcher(subscribers, logger),
		Relevance:   targeting.NewRelevanceFilter(contentRepo, a.Jobs),
		Renderer:    render.NewRenderer(),
		Mailer:      sender,
		Locker:      locker,
		Settings:    a.Jobs,
		Attempts:    emailLogs,
		Metrics:     metrics,
		Logger:      logger.With("component", "dispatch"),
	}, dispatch.Config{
		OneTimeBatchSize: cfg.Dispatch.OneTimeBatchSize,
		SendConcurrency:  cfg.Dispatch.SendConcurrency,
		LockTTL:          cfg.Dispatch.JobLockTTL,
		ManageURL:        cfg.Tracking.ManageURL,
		SiteName:         cfg.Email.SiteName,
	})

	if sources := content.ParseSources(cfg.Feed.URLs); len(sources) > 0 {
		client := security.NewFeedClient(feedFetchTimeout, feedMaxRedirects, cfg.Environment == "local")
		a.Importer = content.NewImporter(contentRepo, sources, client, logger.With("component", "importer"))
	}

	return a, nil
}

// Close releases the database pool and the Redis client.
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("closing redis client", "error", err)
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}

// ScheduleStore persists the send schedule pending jobs were computed with.
type ScheduleStore interface {
	Load(ctx context.Context) (*schedule.Settings, error)
	Save(ctx context.Context, s schedule.Settings) error
}

// SyncSchedule starts the job service on the stored schedule and then
// applies the configured one, so pending recurring jobs of every cadence
// whose slot moved since the last start are rescheduled once.
func SyncSchedule(ctx context.Context, store ScheduleStore, jobStore jobs.Store, configured schedule.Settings, clock types.Clock, logger *slog.Logger) (*jobs.Service, error) {
	stored, err := store.Load(ctx)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		svc := jobs.NewService(jobStore, configured, clock, logger)
		return svc, store.Save(ctx, svc.Settings())
	}

	svc := jobs.NewService(jobStore, *stored, clock, logger)
	if daily, weekly, monthly := svc.Settings().Changed(configured); !daily && !weekly && !monthly {
		return svc, nil
	}
	report, err := svc.ApplySettings(ctx, configured)
	if err != nil {
		return nil, err
	}
	logger.Info("send schedule changed since last start",
		"frequencies", report.Frequencies,
		"rescheduled", report.Updated,
		"failed", report.Failed,
	)
	return svc, store.Save(ctx, svc.Settings())
}

func newPool(ctx context.Context, c config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(c.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(c.MaxConns)
	poolCfg.MinConns = int32(c.MinConns)
	poolCfg.MaxConnLifetime = c.MaxConnLifetime
	poolCfg.HealthCheckPeriod = c.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

func loadAWS(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	if c.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(c.EndpointURL)
	}
	return awsCfg, nil
}

// NewLogger returns the JSON slog logger used by every binary.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// SecretProvider picks where _SSM_PARAM references are resolved from.
// Local environments read them from the process environment.
func SecretProvider() config.SecretProvider {
	if os.Getenv("APP_ENV") == "local" {
		return config.NewEnvVarProvider()
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"))
}
