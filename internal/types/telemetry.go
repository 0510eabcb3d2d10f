package types

// Telemetry metric names for CloudWatch.
const (
	MetricEmailSend     = "EmailSend"
	MetricJobProcessed  = "JobProcessed"
	MetricJobSkipped    = "JobSkipped"
	MetricTickDuration  = "TickDuration"
	MetricRecipientsHit = "Recipients"

	DimFrequency = "Frequency"
	DimResult    = "Result"
	DimJobKind   = "JobKind"

	MetricNamespace = "CivicNotify"
)
