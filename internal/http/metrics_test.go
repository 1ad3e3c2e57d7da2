package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/arbiter/internal/logging"
)

func TestHTTPMetrics_MetricsMiddleware(t *testing.T) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))

	m := &HTTPMetrics{
		meter:  mp.Meter(httpInstrumentationName),
		logger: logging.NewNop(),
	}
	m.init()

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.POST("/api/v1/validate/:stage", func(c echo.Context) error {
		return c.String(http.StatusOK, c.Param("stage"))
	})

	for _, stage := range []string{"planner", "reasoning", "planner"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate/"+stage, nil)
		e.ServeHTTP(httptest.NewRecorder(), req)
	}

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var requests *metricdata.Sum[int64]
	var foundDuration bool
	for _, sm := range rm.ScopeMetrics {
		for _, mm := range sm.Metrics {
			switch mm.Name {
			case "arbiter.http.requests_total":
				sum, ok := mm.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				requests = &sum
			case "arbiter.http.request_duration_seconds":
				foundDuration = true
			}
		}
	}
	require.NotNil(t, requests)
	assert.True(t, foundDuration)

	// Route patterns keep cardinality bounded.
	require.Len(t, requests.DataPoints, 1)
	dp := requests.DataPoints[0]
	assert.Equal(t, int64(3), dp.Value)
	endpoint, ok := dp.Attributes.Value(attribute.Key("endpoint"))
	require.True(t, ok)
	assert.Equal(t, "/api/v1/validate/:stage", endpoint.AsString())
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "unmatched", normalizePath(""))
	assert.Equal(t, "/health", normalizePath("/health"))
}
