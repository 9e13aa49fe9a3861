package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for
// testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// SweepMetrics records sweep outcomes so dashboards can alarm on sweeps that
// stop running or start failing.
type SweepMetrics interface {
	RecordSweep(ctx context.Context, sweep string, processed int, duration time.Duration, err error)
}

// CloudWatchSweepMetrics emits sweep metrics to CloudWatch.
//
// Metrics emitted per sweep run:
//   - SweepProcessed: Dims {Sweep} -- accounts or jobs handled
//   - SweepDuration:  Dims {Sweep} -- wall time in milliseconds
//   - SweepErrors:    Dims {Sweep} -- 1 on failure, 0 on success
type CloudWatchSweepMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ SweepMetrics = (*CloudWatchSweepMetrics)(nil)

// NewCloudWatchSweepMetrics creates a metrics recorder publishing to the
// given namespace.
func NewCloudWatchSweepMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchSweepMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchSweepMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordSweep publishes the outcome of one sweep run. Metric publication is
// best-effort; failures are logged and never fail the sweep.
func (m *CloudWatchSweepMetrics) RecordSweep(ctx context.Context, sweep string, processed int, duration time.Duration, sweepErr error) {
	errVal := 0.0
	if sweepErr != nil {
		errVal = 1.0
	}

	dims := []cwtypes.Dimension{
		{
			Name:  aws.String("Sweep"),
			Value: aws.String(sweep),
		},
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("SweepProcessed"),
				Value:      aws.Float64(float64(processed)),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("SweepDuration"),
				Value:      aws.Float64(float64(duration.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
			{
				MetricName: aws.String("SweepErrors"),
				Value:      aws.Float64(errVal),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record sweep metrics",
			slog.String("sweep", sweep),
			slog.Any("error", err),
		)
	}
}

// NopSweepMetrics discards all metrics. Used when metrics are disabled.
type NopSweepMetrics struct{}

func (NopSweepMetrics) RecordSweep(context.Context, string, int, time.Duration, error) {}
