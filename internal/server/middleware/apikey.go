package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/garrettladley/payhook/internal/xslog"
)

// AdminAPIKey guards operator routes with the X-API-Key header. Keys are
// compared as SHA-256 digests in constant time. An empty key disables the
// check and is only accepted outside production.
func AdminAPIKey(key string) func(http.Handler) http.Handler {
	if key == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	want := []byte(HashSecret(key))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			apiKey := xhttp.GetRequestHeaderAPIKey(r)
			if apiKey == "" {
				xslog.FromContext(ctx).WarnContext(ctx, "missing API key header", xslog.RequestPath(r))
				xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("missing API key")))
				return
			}

			got := []byte(HashSecret(apiKey))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				xslog.FromContext(ctx).WarnContext(ctx, "invalid API key",
					xslog.RequestPath(r),
					xslog.RequestIP(r))
				xerrors.WriteError(ctx, w, xerrors.Unauthorized(xerrors.WithMessage("invalid API key")))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
