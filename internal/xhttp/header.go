package xhttp

import (
	"net/http"
	"strconv"
	"time"
)

const (
	XForwardedFor    = "X-Forwarded-For"
	XContentTypeOpts = "X-Content-Type-Options"
	XFrameOpts       = "X-Frame-Options"
	XXSSProtection   = "X-Xss-Protection"
	ReferrerPolicy   = "Referrer-Policy"
	XRateLimitReason = "X-RateLimit-Reason"
	XAPIKey          = "X-API-Key"
	XRequestID       = "X-Request-ID"
	XANETSignature   = "X-ANET-Signature"
)

const (
	ContentType     = "Content-Type"
	ContentEncoding = "Content-Encoding"
	ContentLength   = "Content-Length"
	AcceptEncoding  = "Accept-Encoding"
	Vary            = "Vary"
	RetryAfter      = "Retry-After"
)

func SetHeaderRequestID(w http.ResponseWriter, requestID string) {
	w.Header().Set(XRequestID, requestID)
}

func SetHeaderContentTypeApplicationJSON(w http.ResponseWriter) {
	const applicationJSON = "application/json"
	w.Header().Set(ContentType, applicationJSON)
}

// SetHeaderRetryAfter rounds up so clients never retry early.
func SetHeaderRetryAfter(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int((retryAfter + time.Second - 1) / time.Second)
	w.Header().Set(RetryAfter, strconv.Itoa(max(seconds, 1)))
}

func GetRequestHeaderAPIKey(r *http.Request) string {
	return r.Header.Get(XAPIKey)
}
