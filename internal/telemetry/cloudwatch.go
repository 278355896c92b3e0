package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"eventpulse/internal/types"
)

// CloudWatch metric and dimension names.
const (
	MetricJobRun         = "JobRun"
	MetricJobRunDuration = "JobRunDuration"
	DimJobType           = "JobType"
	DimState             = "State"
)

// putTimeout bounds one PutMetricData call; ObserveRun has no caller context.
const putTimeout = 5 * time.Second

// CloudWatchClient abstracts the CloudWatch PutMetricData operation.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRunObserver publishes one JobRun count and one JobRunDuration
// datum per finished run. Publish failures are logged and dropped.
type CloudWatchRunObserver struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ types.RunObserver = (*CloudWatchRunObserver)(nil)

// NewCloudWatchRunObserver creates an observer publishing into namespace.
func NewCloudWatchRunObserver(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRunObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRunObserver{client: client, namespace: namespace, logger: logger}
}

func (o *CloudWatchRunObserver) ObserveRun(jobType string, state types.RunState, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), putTimeout)
	defer cancel()

	dims := []cwtypes.Dimension{
		{Name: aws.String(DimJobType), Value: aws.String(jobType)},
		{Name: aws.String(DimState), Value: aws.String(string(state))},
	}
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(o.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricJobRun),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dims,
			},
			{
				MetricName: aws.String(MetricJobRunDuration),
				Value:      aws.Float64(float64(d.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dims,
			},
		},
	}

	if _, err := o.client.PutMetricData(ctx, input); err != nil {
		o.logger.Error("failed to publish run metric",
			"error", err.Error(),
			"job_type", jobType,
			"state", string(state),
		)
	}
}
