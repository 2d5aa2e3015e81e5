package middleware

import (
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/upb/provider-router/internal/observability"
)

// RequestLogger attaches a request-scoped zap logger to the context and
// logs each completed request. It must run after RequestID.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := GetRequestIDFromContext(r.Context())
			reqLogger := logger.With(zap.String("request_id", requestID))

			// WrapResponseWriter keeps http.Flusher for event streams
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(observability.WithLogger(r.Context(), reqLogger)))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if tenantID := GetTenantIDFromContext(r.Context()); tenantID != "" {
				fields = append(fields, zap.String("tenant_id", tenantID))
			}
			if status >= http.StatusInternalServerError {
				reqLogger.Warn("request completed", fields...)
				return
			}
			reqLogger.Info("request completed", fields...)
		})
	}
}
