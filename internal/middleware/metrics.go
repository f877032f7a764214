// Package middleware instruments the HTTP endpoints
package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/ryanlecours/loam-logger-sub002/internal/metrics"
)

// SlowResponseThreshold is the latency above which a response is logged.
// Webhook senders give up after about 30s.
const SlowResponseThreshold = 5 * time.Second

// statusRecorder captures the status code of a response
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if rw.written {
		return
	}
	rw.statusCode = code
	rw.written = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Instrument records request count and latency for endpoint. A panicking
// handler is answered with 500 instead of dropping the connection.
func Instrument(endpoint string) func(http.Handler) http.Handler {
	logger := slog.Default()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				if p := recover(); p != nil {
					logger.Error("Handler panicked",
						"endpoint", endpoint,
						"panic", p,
						"stack", string(debug.Stack()))
					if !rec.written {
						http.Error(rec, "Internal server error", http.StatusInternalServerError)
					} else {
						rec.statusCode = http.StatusInternalServerError
					}
				}

				elapsed := time.Since(start)
				status := strconv.Itoa(rec.statusCode)
				metrics.HTTPRequestsTotal.WithLabelValues(endpoint, status).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(endpoint, status).Observe(elapsed.Seconds())

				if elapsed > SlowResponseThreshold {
					logger.Warn("Slow response", "endpoint", endpoint, "status_code", rec.statusCode, "duration", elapsed)
				}
			}()

			next.ServeHTTP(rec, r)
		})
	}
}

// WrapHandler instruments a HandlerFunc
func WrapHandler(endpoint string, handler http.HandlerFunc) http.Handler {
	return Instrument(endpoint)(handler)
}
