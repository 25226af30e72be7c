package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordingProvider() (*Provider, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	return NewProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))), rec
}

func TestDisabledProvider(t *testing.T) {
	p, err := InitTracer(context.Background(), Config{ServiceName: "vidcoord"})
	require.NoError(t, err)
	_, span := p.Tracer().Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestEndRecordsError(t *testing.T) {
	p, rec := recordingProvider()
	_, span := p.Tracer().Start(context.Background(), "jobs.create")
	End(span, errors.New("publish failed"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Len(t, spans[0].Events(), 1)
}

func TestHTTPMiddleware(t *testing.T) {
	p, rec := recordingProvider()
	route := func(*http.Request) string { return "/jobs/{id}" }
	h := HTTPMiddleware(p, route)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/jobs/42", nil))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
	assert.NotEmpty(t, resp.Header().Get("traceparent"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /jobs/{id}", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestHTTPMiddlewareDefaultsToPath(t *testing.T) {
	p, rec := recordingProvider()
	h := HTTPMiddleware(p, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/videos", nil))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "POST /videos", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestNilProviderFallsBackToGlobal(t *testing.T) {
	var p *Provider
	assert.NotNil(t, p.Tracer())
	assert.NoError(t, p.Shutdown(context.Background()))
}
