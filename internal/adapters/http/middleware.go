package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"trellis/internal/observability"
)

// RequestLimiter blocks until a request may proceed.
type RequestLimiter interface {
	Wait(ctx context.Context) error
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.InfoContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// rateLimit waits on limiter before serving. A canceled wait answers 429.
func rateLimit(limiter RequestLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := limiter.Wait(r.Context()); err != nil {
				writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// instrument records the call under name; 5xx responses count as errors.
func instrument(metrics *observability.Metrics, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			span := metrics.Start(name)
			next.ServeHTTP(ww, r)
			var err error
			if ww.Status() >= http.StatusInternalServerError {
				err = statusError(ww.Status())
			}
			span.End(err)
		})
	}
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }
