package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/garrettladley/payhook/internal/queue"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/version"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/garrettladley/payhook/internal/xslog"
)

const healthCheckTimeout = 3 * time.Second

const (
	healthOK       = "ok"
	healthDegraded = "degraded"
)

type Health struct {
	store storage.EventStore
	queue queue.Queue
}

func NewHealth(store storage.EventStore, q queue.Queue) *Health {
	return &Health{store: store, queue: q}
}

type healthResponse struct {
	Status  string       `json:"status"`
	Version string       `json:"version"`
	Store   string       `json:"store"`
	Queue   *queue.Stats `json:"queue,omitempty"`
}

// HandleHealth handles GET /health requests. It answers 503 when the store
// or the queue cannot be reached.
func (h *Health) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	logger := xslog.FromContext(ctx)

	resp := healthResponse{Status: healthOK, Version: version.Get(), Store: healthOK}

	if err := h.store.Ping(ctx); err != nil {
		logger.ErrorContext(ctx, "health check: store unreachable", xslog.Error(err))
		resp.Status = healthDegraded
		resp.Store = healthDegraded
	}

	stats, err := h.queue.Stats(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "health check: queue unreachable", xslog.Error(err))
		resp.Status = healthDegraded
	} else {
		resp.Queue = &stats
	}

	status := http.StatusOK
	if resp.Status != healthOK {
		status = http.StatusServiceUnavailable
	}
	xhttp.WriteJSON(w, status, resp)
}
