package controller

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// WithMetrics records request count, latency and in-flight requests per route template.
func (c *Controller) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m := c.App.Metrics

		m.HTTPInFlight.Inc()
		defer m.HTTPInFlight.Dec()

		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		m.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}
