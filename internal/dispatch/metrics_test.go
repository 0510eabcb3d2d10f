package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/types"
)

type mockCloudWatchClient struct {
	mu        sync.Mutex
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type countingLogger struct {
	mu     sync.Mutex
	errors int
}

func (l *countingLogger) Info(string, ...any) {}
func (l *countingLogger) Warn(string, ...any) {}
func (l *countingLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}
func (l *countingLogger) With(...any) types.Logger { return l }

func dims(d []cwtypes.Dimension) map[string]string {
	out := make(map[string]string, len(d))
	for _, x := range d {
		out[aws.ToString(x.Name)] = aws.ToString(x.Value)
	}
	return out
}

func TestCloudWatchMetrics_RecordEmail(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "", &countingLogger{})

	m.RecordEmail(context.Background(), types.FrequencyAll, EmailResultSent)

	require.Len(t, cw.calls, 1)
	in := cw.calls[0]
	assert.Equal(t, types.MetricNamespace, aws.ToString(in.Namespace))
	require.Len(t, in.MetricData, 1)
	datum := in.MetricData[0]
	assert.Equal(t, types.MetricEmailSend, aws.ToString(datum.MetricName))
	assert.Equal(t, cwtypes.StandardUnitCount, datum.Unit)
	assert.Equal(t, map[string]string{types.DimFrequency: "all", types.DimResult: "sent"}, dims(datum.Dimensions))
}

func TestCloudWatchMetrics_RecordJob(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchMetrics(cw, "Town", &countingLogger{})

	m.RecordJob(context.Background(), JobResult{Recurring: true, Outcome: OutcomeCompleted, Sent: 12})
	m.RecordJob(context.Background(), JobResult{Outcome: OutcomeLocked})

	require.Len(t, cw.calls, 2)
	assert.Equal(t, "Town", aws.ToString(cw.calls[0].Namespace))

	completed := cw.calls[0].MetricData
	require.Len(t, completed, 2)
	assert.Equal(t, types.MetricJobProcessed, aws.ToString(completed[0].MetricName))
	assert.Equal(t, map[string]string{types.DimJobKind: "recurring", types.DimResult: "completed"}, dims(completed[0].Dimensions))
	assert.Equal(t, types.MetricRecipientsHit, aws.ToString(completed[1].MetricName))
	assert.Equal(t, 12.0, aws.ToFloat64(completed[1].Value))

	skipped := cw.calls[1].MetricData
	require.Len(t, skipped, 1)
	assert.Equal(t, types.MetricJobSkipped, aws.ToString(skipped[0].MetricName))
	assert.Equal(t, "one_time", dims(skipped[0].Dimensions)[types.DimJobKind])
}

func TestCloudWatchMetrics_ErrorsAreLogged(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &countingLogger{}
	m := NewCloudWatchMetrics(cw, "", logger)

	assert.NotPanics(t, func() {
		m.RecordTick(context.Background(), 1500*time.Millisecond)
	})
	assert.Equal(t, 1, logger.errors)
	assert.Equal(t, 1500.0, aws.ToFloat64(cw.calls[0].MetricData[0].Value))
}
