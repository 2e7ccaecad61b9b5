package rest

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Aylexx/citus/internal/metrics"
	"go.uber.org/zap"
)

// LoggingMiddleware logs request details
func LoggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Create a custom response writer to capture status code
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			start := time.Now()
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Int("status", rw.statusCode),
				zap.Duration("duration", elapsed),
			)
			metrics.GetMetrics().RecordRequest(r.Method, r.URL.Path, strconv.Itoa(rw.statusCode), elapsed.Seconds())
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// TimeoutMiddleware bounds every request. http.TimeoutHandler buffers the
// handler's writes, so a handler racing past the deadline can never write
// into the timeout response; it also puts the deadline on the request
// context, which the registry store honors on every query.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, timeout, "Request timeout")
	}
}
