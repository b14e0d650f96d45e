package observability_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/d9705996/logexpert/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_RecordsCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := observability.NewMetrics(mp)
	require.NoError(t, err)

	ctx := context.Background()
	m.Transitions.Add(ctx, 2, metric.WithAttributes(attribute.String("action", "resolve")))
	m.WebhookEvents.Add(ctx, 1)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, mt := range rm.ScopeMetrics[0].Metrics {
		names[mt.Name] = true
	}
	assert.True(t, names["logexpert.incident.transitions"])
	assert.True(t, names["logexpert.billing.webhook_events"])
}

func TestNoopMetrics(t *testing.T) {
	m := observability.NoopMetrics()
	require.NotNil(t, m)
	m.Notifications.Add(context.Background(), 1)
}

func TestNew_ExportsDomainCounters(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	p, err := observability.New(context.Background(), &observability.Config{
		ServiceName:    "logexpert-test",
		ServiceVersion: "dev",
		LogLevel:       "debug",
		LogOutput:      &logs,
		Registry:       reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	p.Metrics.Transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("action", "acknowledge"),
		attribute.String("outcome", "applied"),
	))
	p.Metrics.Notifications.Add(context.Background(), 1)

	w := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "logexpert_incident_transitions")
	assert.Contains(t, body, `action="acknowledge"`)
	assert.Contains(t, body, "logexpert_notifications")

	p.Logger.Info("ready")
	assert.Contains(t, logs.String(), `"service":"logexpert-test"`)
	assert.Contains(t, logs.String(), "spans are not exported", "debug level honoured")
}

func TestNew_LogLevelFallsBackToInfo(t *testing.T) {
	var logs bytes.Buffer
	p, err := observability.New(context.Background(), &observability.Config{
		ServiceName: "logexpert-test",
		LogLevel:    "chatty",
		LogFormat:   "text",
		LogOutput:   &logs,
		Registry:    prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	p.Logger.Debug("hidden")
	p.Logger.Info("shown")
	assert.NotContains(t, logs.String(), "hidden")
	assert.Contains(t, logs.String(), "msg=shown")
}
