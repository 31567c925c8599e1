package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/garrettladley/payhook/internal/service/webhook"
	"github.com/garrettladley/payhook/internal/storage"
	"github.com/garrettladley/payhook/internal/xerrors"
	"github.com/garrettladley/payhook/internal/xhttp"
	"github.com/garrettladley/payhook/internal/xslog"
)

// maxWebhookBody bounds inbound notification bodies.
const maxWebhookBody = 1 << 20

type Webhook struct {
	service         webhook.Service
	signatureHeader string
}

func NewWebhook(service webhook.Service, signatureHeader string) *Webhook {
	if signatureHeader == "" {
		signatureHeader = xhttp.XANETSignature
	}
	return &Webhook{service: service, signatureHeader: signatureHeader}
}

type webhookResponse struct {
	EventID string         `json:"eventId"`
	Status  storage.Status `json:"status"`
	Message string         `json:"message"`
}

// HandleWebhook handles POST /webhooks/{provider} requests.
func (h *Webhook) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := xslog.FromContext(ctx)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.WarnContext(ctx, "failed to read webhook body", xslog.Error(err))
		xerrors.WriteError(ctx, w, xerrors.BadRequest(xerrors.WithMessage("failed to read request body")))
		return
	}

	result, err := h.service.ProcessInboundWebhook(ctx, webhook.ProcessRequest{
		Provider:  r.PathValue("provider"),
		Body:      body,
		Signature: r.Header.Get(h.signatureHeader),
	})
	if err != nil {
		var verr *webhook.ValidationError
		switch {
		case errors.As(err, &verr):
			xerrors.WriteError(ctx, w, xerrors.BadRequest(
				xerrors.WithMessage("webhook validation failed"),
				xerrors.WithErrors(verr.Errors...),
			))
		case errors.Is(err, webhook.ErrMalformedBody):
			xerrors.WriteError(ctx, w, xerrors.BadRequest(
				xerrors.WithMessage("malformed webhook body"),
				xerrors.WithCause(err),
			))
		case errors.Is(err, webhook.ErrUnknownProvider):
			xerrors.WriteError(ctx, w, xerrors.NotFound(xerrors.WithMessage("unknown webhook provider")))
		default:
			// 5xx so the gateway redelivers
			xerrors.WriteError(ctx, w, xerrors.Internal(
				xerrors.WithMessage("failed to process webhook"),
				xerrors.WithCause(err),
			))
		}
		return
	}

	msg := "webhook accepted"
	if result.Duplicate {
		msg = "webhook already received"
	}
	xhttp.WriteOK(w, webhookResponse{EventID: result.EventID, Status: result.Status, Message: msg})
}
