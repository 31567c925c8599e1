package xslog

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/garrettladley/payhook/internal/version"
	"github.com/garrettladley/payhook/internal/xhttp"
)

const (
	keyError = "error"
)

func Error(err error) slog.Attr {
	return slog.String(keyError, err.Error())
}

func ErrorAny(err any) slog.Attr {
	return slog.Any(keyError, err)
}

func RequestID(requestID string) slog.Attr {
	const requestIDKey = "request_id"
	return slog.String(requestIDKey, requestID)
}

func Stack() slog.Attr {
	const stackKey = "stack"
	return slog.String(stackKey, string(debug.Stack()))
}

func HTTPStatus(status int) slog.Attr {
	const statusKey = "status"
	return slog.Int(statusKey, status)
}

func Duration(duration time.Duration) slog.Attr {
	const durationKey = "duration"
	return slog.Duration(durationKey, duration)
}

func RequestMethod(r *http.Request) slog.Attr {
	const methodKey = "method"
	return slog.String(methodKey, r.Method)
}

func RequestPath(r *http.Request) slog.Attr {
	const pathKey = "path"
	return slog.String(pathKey, r.URL.Path)
}

func IP(ip string) slog.Attr {
	const ipKey = "ip"
	return slog.String(ipKey, ip)
}

func RequestIP(r *http.Request) slog.Attr {
	return IP(xhttp.GetRequestIP(r))
}

func Version() slog.Attr {
	const versionKey = "version"
	return slog.String(versionKey, version.Get())
}

func Count(count int) slog.Attr {
	const countKey = "count"
	return slog.Int(countKey, count)
}

func Provider(provider string) slog.Attr {
	const providerKey = "provider"
	return slog.String(providerKey, provider)
}

func EventID(id string) slog.Attr {
	const eventIDKey = "event_id"
	return slog.String(eventIDKey, id)
}

func ExternalID(id string) slog.Attr {
	const externalIDKey = "external_id"
	return slog.String(externalIDKey, id)
}

func EventType(eventType string) slog.Attr {
	const eventTypeKey = "event_type"
	return slog.String(eventTypeKey, eventType)
}

func RawEventType(eventType string) slog.Attr {
	const rawEventTypeKey = "raw_event_type"
	return slog.String(rawEventTypeKey, eventType)
}

func EventStatus(status string) slog.Attr {
	const eventStatusKey = "event_status"
	return slog.String(eventStatusKey, status)
}

func MessageID(id string) slog.Attr {
	const messageIDKey = "message_id"
	return slog.String(messageIDKey, id)
}

func Queue(name string) slog.Attr {
	const queueKey = "queue"
	return slog.String(queueKey, name)
}

func RetryCount(n int) slog.Attr {
	const retryCountKey = "retry_count"
	return slog.Int(retryCountKey, n)
}

func Delay(d time.Duration) slog.Attr {
	const delayKey = "delay"
	return slog.Duration(delayKey, d)
}

func Reason(reason string) slog.Attr {
	const reasonKey = "reason"
	return slog.String(reasonKey, reason)
}

func TickID(id int64) slog.Attr {
	const tickIDKey = "tick_id"
	return slog.Int64(tickIDKey, id)
}
