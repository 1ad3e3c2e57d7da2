package workflows

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/arbiter/internal/workflows"

var (
	workflowRuns         metric.Int64Counter
	workflowVerification metric.Int64Counter
	workflowDuration     metric.Float64Histogram
	activityErrorCounter metric.Int64Counter
)

// initMetrics creates the workflow instruments on the global meter.
func initMetrics() {
	meter := otel.Meter(instrumentationName)

	var err error

	workflowRuns, err = meter.Int64Counter(
		"arbiter.workflow.runs",
		metric.WithDescription("Solve workflow executions by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create workflow run counter: %v", err))
	}

	workflowVerification, err = meter.Int64Counter(
		"arbiter.workflow.verification",
		metric.WithDescription("Verification outcomes of final solutions"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create verification counter: %v", err))
	}

	workflowDuration, err = meter.Float64Histogram(
		"arbiter.workflow.duration",
		metric.WithDescription("Duration of solve workflow executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create workflow duration: %v", err))
	}

	activityErrorCounter, err = meter.Int64Counter(
		"arbiter.workflow.activity.errors",
		metric.WithDescription("Activity failures by activity and error type"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create activity error counter: %v", err))
	}
}

func init() {
	initMetrics()
}

func recordRun(status string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	workflowRuns.Add(ctx, 1, attrs)
	workflowDuration.Record(ctx, d.Seconds(), attrs)
}

func recordVerification(outcome string) {
	workflowVerification.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("outcome", outcome)))
}

func recordActivityError(ctx context.Context, activity string, err error) {
	activityErrorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("activity", activity),
		attribute.String("error_type", ErrorType(err)),
	))
}
