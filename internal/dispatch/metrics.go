package dispatch

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"civicnotify/internal/types"
)

// Metrics receives dispatch telemetry. Implementations must not block the
// loop on failure.
type Metrics interface {
	RecordEmail(ctx context.Context, freq types.Frequency, result string)
	RecordJob(ctx context.Context, r JobResult)
	RecordTick(ctx context.Context, d time.Duration)
}

// Email results.
const (
	EmailResultSent    = "sent"
	EmailResultFailed  = "failed"
	EmailResultSkipped = "skipped"
)

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RecordEmail(context.Context, types.Frequency, string) {}
func (NopMetrics) RecordJob(context.Context, JobResult)                 {}
func (NopMetrics) RecordTick(context.Context, time.Duration)            {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes dispatch metrics to CloudWatch.
//
// Metrics emitted:
//   - EmailSend: Dims {Frequency, Result} -- one per subscriber considered
//   - JobProcessed / JobSkipped: Dims {JobKind, Result} -- one per job
//   - Recipients: Dims {JobKind} -- emails sent by a completed job
//   - TickDuration: No dims
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics. An empty namespace
// falls back to types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = types.NewSlogLogger(nil)
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordEmail emits an EmailSend count.
func (m *CloudWatchMetrics) RecordEmail(ctx context.Context, freq types.Frequency, result string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricEmailSend),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimFrequency, frequencyLabel(freq)),
			dim(types.DimResult, result),
		},
	})
}

// RecordJob emits JobProcessed for completed jobs and JobSkipped otherwise.
// Completed jobs also report their recipient count.
func (m *CloudWatchMetrics) RecordJob(ctx context.Context, r JobResult) {
	name := types.MetricJobSkipped
	if r.Outcome == OutcomeCompleted {
		name = types.MetricJobProcessed
	}
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			dim(types.DimJobKind, r.Kind()),
			dim(types.DimResult, string(r.Outcome)),
		},
	}}
	if r.Outcome == OutcomeCompleted {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricRecipientsHit),
			Value:      aws.Float64(float64(r.Sent)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{dim(types.DimJobKind, r.Kind())},
		})
	}
	m.put(ctx, data...)
}

// RecordTick emits the wall time of one tick in milliseconds.
func (m *CloudWatchMetrics) RecordTick(ctx context.Context, d time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricTickDuration),
		Value:      aws.Float64(float64(d.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(context.WithoutCancel(ctx), input); err != nil {
		m.logger.Error("failed to record dispatch metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}

func frequencyLabel(f types.Frequency) string {
	if f == types.FrequencyAll {
		return "all"
	}
	return string(f)
}
