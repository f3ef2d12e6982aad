package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
)

// CheckoutHandler serves purchases, upgrades, manual sync and the billing
// portal for the dashboard.
type CheckoutHandler struct {
	engine  *reconcile.Engine
	baseURL string
	logger  *slog.Logger
}

func NewCheckoutHandler(e *reconcile.Engine, baseURL string, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{engine: e, baseURL: baseURL, logger: logger}
}

type checkoutRequest struct {
	Plan          string `json:"plan"`
	BillingPeriod string `json:"billingPeriod"`
}

// CreateCheckoutSession starts a first purchase or an upgrade.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	plan, err := model.ParsePlan(req.Plan)
	if err != nil {
		writeError(w, r, h.logger, model.NewError(model.ErrInvalidInput, model.ReasonInvalidPlan, err.Error()))
		return
	}
	period, err := model.ParseBillingPeriod(req.BillingPeriod)
	if err != nil {
		writeError(w, r, h.logger, model.NewError(model.ErrInvalidInput, model.ReasonInvalidPlan, err.Error()))
		return
	}

	res, err := h.engine.StartCheckout(r.Context(), id.UserID, plan, period)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncRequest struct {
	CustomerID string `json:"customerId"`
}

// Sync pulls the caller's subscription from the payment provider.
func (h *CheckoutHandler) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	var req syncRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.engine.SyncUser(r.Context(), id.UserID, req.CustomerID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BillingPortal opens a provider billing-portal session.
func (h *CheckoutHandler) BillingPortal(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	returnURL := r.Header.Get("Referer")
	if returnURL == "" || !strings.HasPrefix(returnURL, h.baseURL) {
		returnURL = h.baseURL + "/account"
	}
	url, err := h.engine.PortalURL(r.Context(), id.UserID, returnURL)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}
