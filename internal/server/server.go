package server

import (
	"log/slog"
	"net/http"

	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/server/handler"
	servermw "github.com/garrettladley/payhook/internal/server/middleware"
	"github.com/garrettladley/payhook/internal/service/deadletter"
	"github.com/garrettladley/payhook/internal/service/events"
	"github.com/garrettladley/payhook/internal/service/webhook"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xhttp/middleware"
)

type Deps struct {
	Logger          *slog.Logger
	Webhooks        webhook.Service
	Events          *events.Service
	DeadLetter      *deadletter.Reconciler
	Store           storage.EventStore
	Queue           queue.Queue
	RateLimiter     storage.RateLimiter
	AdminAPIKey     string
	SignatureHeader string
}

// NewRouter wires every route behind the shared middleware chain. Webhook
// ingress is IP rate limited; operator routes require the admin API key.
func NewRouter(deps Deps) http.Handler {
	webhookHandler := handler.NewWebhook(deps.Webhooks, deps.SignatureHeader)
	eventsHandler := handler.NewEvents(deps.Events)
	deadLetterHandler := handler.NewDeadLetter(deps.DeadLetter)
	healthHandler := handler.NewHealth(deps.Store, deps.Queue)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", healthHandler.HandleHealth)

	ingressMux := http.NewServeMux()
	ingressMux.HandleFunc("POST /webhooks/{provider}", webhookHandler.HandleWebhook)
	mux.Handle("/webhooks/", middleware.Chain(ingressMux,
		servermw.RateLimitWithBackend(deps.RateLimiter),
	))

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("GET /api/events", eventsHandler.HandleList)
	adminMux.HandleFunc("GET /api/events/stats", eventsHandler.HandleStats)
	adminMux.HandleFunc("GET /api/events/{id}", eventsHandler.HandleGet)
	adminMux.HandleFunc("POST /api/events/{id}/retry", eventsHandler.HandleRetry)
	adminMux.HandleFunc("POST /api/deadletter/reconcile", deadLetterHandler.HandleReconcile)
	adminMux.HandleFunc("GET /api/deadletter/stats", deadLetterHandler.HandleStats)
	adminMux.HandleFunc("DELETE /api/deadletter", deadLetterHandler.HandlePurge)
	mux.Handle("/api/", middleware.Chain(adminMux,
		servermw.AdminAPIKey(deps.AdminAPIKey),
		middleware.Gzip,
	))

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return middleware.Chain(mux,
		middleware.Recovery,
		middleware.RequestID(),
		middleware.Logger(logger),
		middleware.Logging,
		middleware.SecurityHeaders,
	)
}
