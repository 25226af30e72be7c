package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/vidcoord/pkg/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// routeTemplate returns the matched mux template so metrics do not explode on ids
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// observe logs and measures every request
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		route := routeTemplate(r)
		s.metrics.ObserveHTTP(r.Method, route, rec.status, elapsed)

		fields := logging.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"route":       route,
			"status":      rec.status,
			"bytes":       rec.bytes,
			"duration_ms": elapsed.Milliseconds(),
			"remote":      r.RemoteAddr,
		}
		switch {
		case rec.status >= 500:
			s.logger.Error("Request failed", fields)
		case rec.status >= 400:
			s.logger.Warn("Request rejected", fields)
		default:
			s.logger.Debug("Request served", fields)
		}
	})
}
