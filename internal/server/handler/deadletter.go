package handler

import (
	"net/http"
	"strconv"

	"github.com/garrettladley/payhook/internal/service/deadletter"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
)

// maxReconcileMessages caps a single operator-triggered pass.
const maxReconcileMessages = 1000

type DeadLetter struct {
	reconciler *deadletter.Reconciler
}

func NewDeadLetter(reconciler *deadletter.Reconciler) *DeadLetter {
	return &DeadLetter{reconciler: reconciler}
}

// HandleReconcile handles POST /api/deadletter/reconcile requests.
// Query params: max (1-1000, default 100).
func (h *DeadLetter) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	maxMessages := deadletter.DefaultMaxMessages
	if raw := r.URL.Query().Get("max"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxReconcileMessages {
			xerrors.WriteError(ctx, w, xerrors.BadRequest(
				xerrors.WithMessage("invalid query parameters"),
				xerrors.WithFields(map[string]string{"max": "must be between 1 and " + strconv.Itoa(maxReconcileMessages)}),
			))
			return
		}
		maxMessages = n
	}

	report, err := h.reconciler.Reconcile(ctx, maxMessages)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("reconciliation failed"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, report)
}

// HandleStats handles GET /api/deadletter/stats requests.
func (h *DeadLetter) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.reconciler.Stats(ctx)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to read dead-letter stats"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, stats)
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

// HandlePurge handles DELETE /api/deadletter requests.
func (h *DeadLetter) HandlePurge(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	purged, err := h.reconciler.Purge(ctx)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to purge dead-letter queue"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, purgeResponse{Purged: purged})
}
