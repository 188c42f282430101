package external

import (
	"context"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"staticip/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics implements MetricsEmitter by publishing samples to the
// StaticIP CloudWatch namespace. Emission is best-effort: PutMetricData
// failures are logged and swallowed so telemetry never fails an allocation.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that CloudWatchMetrics implements MetricsEmitter.
var _ MetricsEmitter = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the
// types.MetricNamespace namespace.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// Count emits a unitless counter sample.
func (m *CloudWatchMetrics) Count(ctx context.Context, name string, value float64, dims map[string]string) {
	m.put(ctx, name, value, cwtypes.StandardUnitCount, dims)
}

// Duration emits a latency sample in milliseconds.
func (m *CloudWatchMetrics) Duration(ctx context.Context, name string, ms float64, dims map[string]string) {
	m.put(ctx, name, ms, cwtypes.StandardUnitMilliseconds, dims)
}

// Gauge emits a point-in-time level, e.g. pool depth per region.
func (m *CloudWatchMetrics) Gauge(ctx context.Context, name string, value float64, dims map[string]string) {
	m.put(ctx, name, value, cwtypes.StandardUnitNone, dims)
}

func (m *CloudWatchMetrics) put(ctx context.Context, name string, value float64, unit cwtypes.StandardUnit, dims map[string]string) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(value),
				Unit:       unit,
				Dimensions: toDimensions(dims),
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to publish metric",
			"error", err.Error(),
			"metric", name,
		)
	}
}

// toDimensions converts a dimension map to the CloudWatch slice form in a
// stable order, keeping metric identity deterministic across emissions.
func toDimensions(dims map[string]string) []cwtypes.Dimension {
	if len(dims) == 0 {
		return nil
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(k),
			Value: aws.String(dims[k]),
		})
	}
	return out
}
