package middleware

import (
	"log/slog"
	"net/http"

	"github.com/garrettladley/payhook/internal/xcontext"
	"github.com/garrettladley/payhook/internal/xslog"
)

// Logger injects a request-scoped logger into the context.
// Must run AFTER RequestID middleware.
func Logger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := base.With(xslog.RequestIP(r))
			if id, ok := xcontext.GetRequestID(r.Context()); ok {
				logger = logger.With(xslog.RequestID(id))
			}
			next.ServeHTTP(w, r.WithContext(xslog.WithLogger(r.Context(), logger)))
		})
	}
}
