package middleware

import (
	"net/http"

	"github.com/garrettladley/payhook/internal/xhttp"
)

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set(xhttp.XContentTypeOpts, "nosniff")
		h.Set(xhttp.XFrameOpts, "DENY")
		h.Set(xhttp.XXSSProtection, "0")
		h.Set(xhttp.ReferrerPolicy, "no-referrer")
		// responses carry payment data and must never be cached
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
