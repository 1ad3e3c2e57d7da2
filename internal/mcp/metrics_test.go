package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/arbiter/internal/logging"
	"github.com/fyrsmithlabs/arbiter/internal/schema"
)

func newTestMetrics() (*Metrics, *metric.ManualReader) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	m := &Metrics{
		meter:  mp.Meter(instrumentationName),
		logger: logging.NewNop(),
	}
	m.init()
	return m, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumOf(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetrics_RecordInvocation(t *testing.T) {
	m, reader := newTestMetrics()
	ctx := context.Background()

	m.RecordInvocation(ctx, "verify_solution", 100*time.Millisecond, nil)
	m.RecordInvocation(ctx, "verify_solution", 50*time.Millisecond,
		schema.FormatViolation(schema.StageReasoning, "no JSON object"))

	got := collect(t, reader)
	require.Contains(t, got, "arbiter.mcp.tool.invocations_total")
	require.Contains(t, got, "arbiter.mcp.tool.duration_seconds")
	require.Contains(t, got, "arbiter.mcp.tool.errors_total")

	assert.Equal(t, int64(2), sumOf(t, got["arbiter.mcp.tool.invocations_total"]))

	errs := got["arbiter.mcp.tool.errors_total"].Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	reason, ok := errs.DataPoints[0].Attributes.Value(attribute.Key("reason"))
	require.True(t, ok)
	assert.Equal(t, "format_violation", reason.AsString())
}

func TestMetrics_ActiveRequests(t *testing.T) {
	m, reader := newTestMetrics()
	ctx := context.Background()

	m.IncrementActive(ctx, "solve_problem")
	m.IncrementActive(ctx, "solve_problem")
	m.DecrementActive(ctx, "solve_problem")

	got := collect(t, reader)
	require.Contains(t, got, "arbiter.mcp.tool.active_requests")
	assert.Equal(t, int64(1), sumOf(t, got["arbiter.mcp.tool.active_requests"]))
}

func TestMetrics_NilInstruments(t *testing.T) {
	m := &Metrics{logger: logging.NewNop()}
	assert.NotPanics(t, func() {
		m.RecordInvocation(context.Background(), "check_format", time.Millisecond, errors.New("x"))
		m.IncrementActive(context.Background(), "check_format")
		m.DecrementActive(context.Background(), "check_format")
	})
}
