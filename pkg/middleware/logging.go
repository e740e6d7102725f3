package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/auth"
)

// RequestLogger returns middleware that logs requests on the ops surface at
// DEBUG level, including the caller's tenant when the request carries
// authenticated claims. A nil logger disables logging.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			}
			if claims, ok := auth.GetClaims(r.Context()); ok {
				fields = append(fields, zap.Int("tenant_id", claims.TenantID))
			}
			logger.Debug("HTTP request", fields...)
		})
	}
}

// responseWriter captures the status code and swallows duplicate
// WriteHeader calls so a misbehaving handler cannot trip the superfluous
// WriteHeader warning through the wrapper.
type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.statusCode = code
	rw.headerWritten = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
