// Package telemetry emits operational metrics for ticks, delayed tasks and
// file processing outcomes.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// DefaultNamespace is the CloudWatch namespace when none is configured.
const DefaultNamespace = "Autopilot"

// Metric names and dimensions.
const (
	MetricTickCount    = "TickCount"
	MetricTickDuration = "TickDuration"
	MetricOutcome      = "Outcome"

	DimTick      = "Tick"
	DimCounter   = "Counter"
	DimComponent = "Component"
	DimResult    = "Result"
)

// Components reported through RecordOutcome.
const (
	ComponentDelayedTask = "delayed_task"
	ComponentFile        = "file"
)

// Outcome results.
const (
	ResultSuccess   = "success"
	ResultSkipped   = "skipped"
	ResultRetryable = "retryable"
	ResultTerminal  = "terminal"
	ResultFailed    = "failed"
)

// Metrics is the sink used by the tick driver, the task scheduler and the
// file monitor. Implementations must not block the caller on failure.
type Metrics interface {
	// RecordTick emits one count per named counter plus the tick duration.
	RecordTick(ctx context.Context, tick string, counts map[string]int, duration time.Duration)
	// RecordOutcome counts one terminal outcome of a task or file.
	RecordOutcome(ctx context.Context, component, result string)
}

// OrNoop returns m, or Noop when m is nil.
func OrNoop(m Metrics) Metrics {
	if m == nil {
		return Noop{}
	}
	return m
}

// Noop discards all metrics.
type Noop struct{}

func (Noop) RecordTick(context.Context, string, map[string]int, time.Duration) {}
func (Noop) RecordOutcome(context.Context, string, string)                      {}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics publishes metrics to AWS CloudWatch. Publish failures are
// logged and dropped.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordTick sends every counter and the duration in a single PutMetricData
// call. Counters are emitted in name order.
func (m *CloudWatchMetrics) RecordTick(ctx context.Context, tick string, counts map[string]int, duration time.Duration) {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	data := make([]cwtypes.MetricDatum, 0, len(names)+1)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricTickCount),
			Value:      aws.Float64(float64(counts[name])),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimTick), Value: aws.String(tick)},
				{Name: aws.String(DimCounter), Value: aws.String(name)},
			},
		})
	}
	data = append(data, cwtypes.MetricDatum{
		MetricName: aws.String(MetricTickDuration),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimTick), Value: aws.String(tick)},
		},
	})

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record tick metrics",
			"error", err.Error(),
			"tick", tick,
		)
	}
}

// RecordOutcome emits an Outcome count with Component and Result dimensions.
func (m *CloudWatchMetrics) RecordOutcome(ctx context.Context, component, result string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricOutcome),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String(DimComponent), Value: aws.String(component)},
					{Name: aws.String(DimResult), Value: aws.String(result)},
				},
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record outcome metric",
			"error", err.Error(),
			"component", component,
			"result", result,
		)
	}
}
