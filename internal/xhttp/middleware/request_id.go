package middleware

import (
	"net/http"

	"github.com/garrettladley/payhook/internal/xcontext"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/google/uuid"
)

const maxRequestIDLength = 128

type requestIDConfig struct {
	newID         func(*http.Request) string
	trustUpstream bool
}

type RequestIDOption func(*requestIDConfig)

// WithIDFunc replaces the uuid generator.
func WithIDFunc(fn func(*http.Request) string) RequestIDOption {
	return func(c *requestIDConfig) { c.newID = fn }
}

// WithTrustedUpstream reuses an X-Request-ID set by a fronting proxy.
func WithTrustedUpstream() RequestIDOption {
	return func(c *requestIDConfig) { c.trustUpstream = true }
}

func RequestID(opts ...RequestIDOption) func(http.Handler) http.Handler {
	cfg := requestIDConfig{
		newID: func(*http.Request) string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cfg.trustUpstream {
				if upstream := r.Header.Get(xhttp.XRequestID); upstream != "" && len(upstream) <= maxRequestIDLength {
					id = upstream
				}
			}
			if id == "" {
				id = cfg.newID(r)
			}
			ctx := xcontext.SetRequestID(r.Context(), id)
			xhttp.SetHeaderRequestID(w, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
