package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
	billingstripe "github.com/dukerupert/labeldesk/internal/billing/stripe"
)

const webhookBodyLimit = 1 << 20

// WebhookParser verifies and decodes a provider webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, sigHeader string) (*billingstripe.WebhookEvent, error)
}

// EventHandler applies a decoded provider event.
type EventHandler interface {
	Handle(ctx context.Context, ev reconcile.Event) error
}

type WebhookHandler struct {
	parser WebhookParser
	events EventHandler
	logger *slog.Logger
}

func NewWebhookHandler(p WebhookParser, events EventHandler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{parser: p, events: events, logger: logger}
}

// HandleStripeWebhook answers 200 for applied and ignored events, 400 for
// bad signatures and 500 when the event must be redelivered.
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	body, err := io.ReadAll(io.LimitReader(r.Body, webhookBodyLimit))
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, errorResponse{Error: "read body"})
		return
	}

	we, err := h.parser.ParseWebhook(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status = http.StatusBadRequest
		if !errors.Is(err, billingstripe.ErrInvalidSignature) {
			h.logger.Error("webhook decode failed", "error", err)
		}
		writeJSON(w, status, errorResponse{Error: "invalid webhook"})
		return
	}
	eventType = we.Type

	if we.Event == nil {
		h.logger.Debug("webhook ignored", "event_id", we.ID, "type", we.Type)
		writeJSON(w, status, map[string]bool{"received": true})
		return
	}

	if err := h.events.Handle(r.Context(), we.Event); err != nil {
		h.logger.Error("webhook processing failed", "event_id", we.ID, "type", we.Type, "error", err)
		status = http.StatusInternalServerError
		writeJSON(w, status, errorResponse{Error: "processing failed"})
		return
	}
	writeJSON(w, status, map[string]bool{"received": true})
}
