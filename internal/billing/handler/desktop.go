package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/labeldesk/internal/billing/gate"
	"github.com/dukerupert/labeldesk/internal/billing/usage"
)

// DesktopHandler serves the authenticated desktop client.
type DesktopHandler struct {
	gate   *gate.Gate
	ledger *usage.Ledger
	logger *slog.Logger
}

func NewDesktopHandler(g *gate.Gate, l *usage.Ledger, logger *slog.Logger) *DesktopHandler {
	return &DesktopHandler{gate: g, ledger: l, logger: logger}
}

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

func (h *DesktopHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	reg, err := h.gate.RegisterDevice(r.Context(), id.UserID, req.DeviceID, req.DeviceName)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// DeleteDevice unbinds the device named in the path.
func (h *DesktopHandler) DeleteDevice(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	deviceID := strings.TrimSpace(r.PathValue("id"))
	if err := h.gate.RemoveDevice(r.Context(), id.UserID, deviceID); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sessionResponse struct {
	*gate.Session
	Usage *usage.Summary `json:"usage"`
}

// Session returns the caller's account, plan, device and usage this month.
func (h *DesktopHandler) Session(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	sess, err := h.gate.Session(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	summary, err := h.ledger.Summary(r.Context(), id.UserID, id.DeviceID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess, Usage: summary})
}

type validateLabelRequest struct {
	LabelCount int `json:"labelCount"`
}

type validateLabelResponse struct {
	Allowed   bool   `json:"allowed"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit"`
	Reason    string `json:"reason,omitempty"`
}

// ValidateLabelCreation checks the caller's monthly allowance and records the
// labels when they fit. A denial is a normal answer, not an error.
func (h *DesktopHandler) ValidateLabelCreation(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	var req validateLabelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := h.ledger.ValidateAndConsume(r.Context(), id.UserID, id.DeviceID, req.LabelCount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, validateLabelResponse{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		Limit:     res.Limit,
		Reason:    res.Reason,
	})
}
