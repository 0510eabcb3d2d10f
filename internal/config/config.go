// Package config defines the process configuration for the notification
// service. It is loaded once at startup and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Infrastructure settings fail fast when missing or malformed. Send schedule
// settings never fail startup: they fall back to safe defaults instead.
package config

import (
	"time"

	"civicnotify/internal/schedule"
	"civicnotify/internal/types"
)

// SecretString is an alias for types.SecretString.
type SecretString = types.SecretString

// Config is the top-level configuration struct.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"civicnotify"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	AWS           AWSConfig
	Schedule      ScheduleConfig
	Dispatch      DispatchConfig
	Email         EmailConfig
	Tracking      TrackingConfig
	Feed          FeedConfig
	Observability ObservabilityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds the health endpoint listener.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required,url"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
	ApplySchema       bool          `envconfig:"DB_APPLY_SCHEMA" default:"false"`
}

// RedisConfig enables Redis-backed job locks. When URL is empty the service
// falls back to lease rows in Postgres.
type RedisConfig struct {
	URL SecretString `envconfig:"REDIS_URL"`
}

// AWSConfig holds regional configuration for SES, CloudWatch and SSM.
type AWSConfig struct {
	Region      string `envconfig:"AWS_REGION" default:"us-east-1"`
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ScheduleConfig is the site-wide send schedule. Values are not validated
// here; schedule.Settings.Normalize replaces unusable values with fallbacks.
type ScheduleConfig struct {
	DailyTime   string `envconfig:"DAILY_SEND_TIME" default:"09:00"`
	WeeklyDay   string `envconfig:"WEEKLY_SEND_DAY" default:"tuesday"`
	WeeklyTime  string `envconfig:"WEEKLY_SEND_TIME" default:"09:00"`
	MonthlyDay  int    `envconfig:"MONTHLY_SEND_DAY" default:"1"`
	MonthlyTime string `envconfig:"MONTHLY_SEND_TIME" default:"09:00"`
	Timezone    string `envconfig:"SITE_TIMEZONE" default:"UTC"`
}

// Settings converts the raw values into calculator settings.
func (c ScheduleConfig) Settings() schedule.Settings {
	return schedule.Settings{
		DailyTime:   c.DailyTime,
		WeeklyDay:   c.WeeklyDay,
		WeeklyTime:  c.WeeklyTime,
		MonthlyDay:  c.MonthlyDay,
		MonthlyTime: c.MonthlyTime,
		Timezone:    c.Timezone,
	}
}

// DispatchConfig tunes the tick driver and dispatch loop.
type DispatchConfig struct {
	TickInterval     time.Duration `envconfig:"TICK_INTERVAL" default:"60s" validate:"min=1s"`
	OneTimeBatchSize int           `envconfig:"ONETIME_BATCH_SIZE" default:"10" validate:"min=1,max=500"`
	SendConcurrency  int           `envconfig:"SEND_CONCURRENCY" default:"4" validate:"min=1,max=64"`
	JobLockTTL       time.Duration `envconfig:"JOB_LOCK_TTL" default:"15m"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
}

// EmailConfig selects and configures the outbound email provider.
type EmailConfig struct {
	Provider       string       `envconfig:"EMAIL_PROVIDER" default:"ses" validate:"oneof=ses sendgrid smtp stub"`
	FromAddress    string       `envconfig:"EMAIL_FROM_ADDRESS" validate:"required,email"`
	FromName       string       `envconfig:"EMAIL_FROM_NAME" default:"Site Notifications"`
	SESConfigSet   string       `envconfig:"SES_CONFIGURATION_SET"`
	SendGridAPIKey SecretString `envconfig:"SENDGRID_API_KEY" validate:"required_if=Provider sendgrid"`
	SMTPHost       string       `envconfig:"SMTP_HOST" validate:"required_if=Provider smtp"`
	SMTPPort       int          `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername   string       `envconfig:"SMTP_USERNAME"`
	SMTPPassword   SecretString `envconfig:"SMTP_PASSWORD"`
	SiteName       string       `envconfig:"SITE_NAME" default:"Our Community"`
}

// TrackingConfig drives open/click instrumentation and the links placed in
// every email.
type TrackingConfig struct {
	BaseURL    string       `envconfig:"TRACKING_BASE_URL" validate:"required,url"`
	SigningKey SecretString `envconfig:"TRACKING_SIGNING_KEY" validate:"required,min=16"`
	ManageURL  string       `envconfig:"MANAGE_BASE_URL" validate:"required,url"`
	Disabled   bool         `envconfig:"TRACKING_DISABLED" default:"false"`
}

// FeedConfig lists RSS/Atom sources polled into the content store.
type FeedConfig struct {
	URLs         []string      `envconfig:"FEED_URLS"`
	PollInterval time.Duration `envconfig:"FEED_POLL_INTERVAL" default:"15m"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"CivicNotify"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"false"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
