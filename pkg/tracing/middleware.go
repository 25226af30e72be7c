package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// HTTPMiddleware opens a server span per request and continues any incoming
// W3C trace context. route names the span; it should return a path template
// so ids do not end up in span names. A nil route falls back to the raw path.
func HTTPMiddleware(provider *Provider, route func(*http.Request) string) func(http.Handler) http.Handler {
	tracer := provider.Tracer()
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tpl := route(r)
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := tracer.Start(ctx, r.Method+" "+tpl,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("http.route", tpl),
					attribute.String("url.path", r.URL.Path),
				),
			)
			defer span.End()

			sw := &spanWriter{ResponseWriter: w, code: http.StatusOK}
			propagator.Inject(ctx, propagation.HeaderCarrier(sw.Header()))
			next.ServeHTTP(sw, r.WithContext(ctx))

			span.SetAttributes(attribute.Int("http.response.status_code", sw.code))
			if sw.code >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(sw.code))
			}
		})
	}
}

type spanWriter struct {
	http.ResponseWriter
	code int
}

func (w *spanWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
