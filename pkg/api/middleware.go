package api

import (
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/memorose/memorose/pkg/log"
	"github.com/memorose/memorose/pkg/metrics"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withObservability wraps a handler with request logging, latency metrics,
// and panic recovery.
func withObservability(route string, next http.HandlerFunc) http.HandlerFunc {
	logger := log.WithComponent("api")
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Interface("panic", r).
					Str("route", route).
					Bytes("stack", debug.Stack()).
					Msg("Handler panicked")
				http.Error(rec, `{"error":"internal error","kind":"unavailable"}`, http.StatusInternalServerError)
			}
			elapsed := time.Since(start)
			metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			metrics.APIRequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
			logger.Debug().
				Str("route", route).
				Str("method", req.Method).
				Int("status", rec.status).
				Dur("elapsed", elapsed).
				Msg("Request handled")
		}()

		next(rec, req)
	}
}
