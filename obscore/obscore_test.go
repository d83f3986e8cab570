package obscore

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInitLoggingAcceptsAllLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		for _, format := range []string{"json", "text", ""} {
			require.NotPanics(t, func() { InitLogging(level, format) })
		}
	}
}

func TestMetricsHandlerExposesRegisteredSeries(t *testing.T) {
	m := NewMetrics()
	m.RecordHTTPRequest("/chat", "POST", 200, 10*time.Millisecond)
	m.RecordTurn("done", 2)
	m.RecordToolCall("lookup", "alpha", "success", 5*time.Millisecond)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "orcacore_http_requests_total")
	require.Contains(t, rr.Body.String(), "orcacore_invoker_cache_hits_total")
}

func TestInitTracingNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	require.NoError(t, shutdown(context.Background()))

	tracer := Tracer("test")
	_, span := tracer.Start(context.Background(), "noop-span")
	span.End()
}
