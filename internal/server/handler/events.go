package handler

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/garrettladley/payhook/internal/service/events"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
)

type Events struct {
	service *events.Service
}

func NewEvents(service *events.Service) *Events {
	return &Events{service: service}
}

// HandleList handles GET /api/events requests.
// Query params: eventType, status, externalId, limit (1-100, default 50), offset.
func (h *Events) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	filter, fields := parseListFilter(r.URL.Query())
	if len(fields) > 0 {
		xerrors.WriteError(ctx, w, xerrors.BadRequest(
			xerrors.WithMessage("invalid query parameters"),
			xerrors.WithFields(fields),
		))
		return
	}

	page, err := h.service.List(ctx, filter)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to list events"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, page)
}

// HandleGet handles GET /api/events/{id} requests.
func (h *Events) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	event, err := h.service.Get(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			xerrors.WriteError(ctx, w, xerrors.NotFound(xerrors.WithMessage("event not found")))
			return
		}
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to load event"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, event)
}

// HandleStats handles GET /api/events/stats requests.
func (h *Events) HandleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	counts, err := h.service.StatusCounts(ctx)
	if err != nil {
		xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to count events"), xerrors.WithCause(err)))
		return
	}
	xhttp.WriteOK(w, counts)
}

// HandleRetry handles POST /api/events/{id}/retry requests.
// Query params: force (bool) resets an exhausted retry budget.
func (h *Events) HandleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var force bool
	if raw := r.URL.Query().Get("force"); raw != "" {
		var err error
		force, err = strconv.ParseBool(raw)
		if err != nil {
			xerrors.WriteError(ctx, w, xerrors.BadRequest(
				xerrors.WithMessage("invalid query parameters"),
				xerrors.WithFields(map[string]string{"force": "must be a boolean"}),
			))
			return
		}
	}

	event, err := h.service.Retry(ctx, r.PathValue("id"), force)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			xerrors.WriteError(ctx, w, xerrors.NotFound(xerrors.WithMessage("event not found")))
		case errors.Is(err, events.ErrAlreadyProcessed),
			errors.Is(err, events.ErrInProgress),
			errors.Is(err, events.ErrRetriesExhausted):
			xerrors.WriteError(ctx, w, xerrors.Conflict(xerrors.WithMessage(err.Error())))
		default:
			xerrors.WriteError(ctx, w, xerrors.Internal(xerrors.WithMessage("failed to retry event"), xerrors.WithCause(err)))
		}
		return
	}
	xhttp.WriteOK(w, event)
}

func parseListFilter(q url.Values) (storage.ListFilter, map[string]string) {
	var (
		filter storage.ListFilter
		fields = make(map[string]string)
	)

	if raw := q.Get("eventType"); raw != "" {
		eventType := storage.EventType(raw)
		filter.EventType = &eventType
	}
	if raw := q.Get("status"); raw != "" {
		status, err := storage.ParseStatus(raw)
		if err != nil {
			fields["status"] = "unknown status"
		} else {
			filter.Status = &status
		}
	}
	if raw := q.Get("externalId"); raw != "" {
		filter.ExternalID = &raw
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > storage.MaxListLimit {
			fields["limit"] = "must be between 1 and " + strconv.Itoa(storage.MaxListLimit)
		} else {
			filter.Limit = limit
		}
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			fields["offset"] = "must be a non-negative integer"
		} else {
			filter.Offset = offset
		}
	}
	return filter, fields
}
