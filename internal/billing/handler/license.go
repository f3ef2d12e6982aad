package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/reconcile"
)

type LicenseHandler struct {
	engine *reconcile.Engine
	logger *slog.Logger
}

func NewLicenseHandler(e *reconcile.Engine, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{engine: e, logger: logger}
}

type validateRequest struct {
	Key string `json:"key"`
}

// Validate checks a license key.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	key := strings.ToUpper(strings.TrimSpace(req.Key))
	if key == "" {
		writeJSON(w, http.StatusOK, reconcile.LicenseCheck{Reason: model.ReasonLicenseNotFound})
		return
	}
	check, err := h.engine.CheckLicense(r.Context(), key)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

// List returns the caller's licenses.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		unauthorized(w)
		return
	}
	licenses, err := h.engine.ListLicenses(r.Context(), id.UserID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if licenses == nil {
		licenses = []model.License{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"licenses": licenses})
}
