package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/labeldesk/internal/billing/handler"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/token"
)

// BearerValidator checks an Authorization header.
type BearerValidator interface {
	ValidateBearerToken(header string) *token.Claims
}

// DeviceToucher records activity from an authenticated device.
type DeviceToucher interface {
	TouchDevice(ctx context.Context, userID int64, deviceID string) error
}

// RequireBearer validates the access token and populates the caller identity
// in the context. Every failure answers 401. Validators that also implement
// DeviceToucher get the device's last-seen time updated, and tokens for a
// device that was removed are refused.
func RequireBearer(v BearerValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := v.ValidateBearerToken(r.Header.Get("Authorization"))
			if claims == nil {
				unauthorized(w)
				return
			}
			userID, err := claims.UserID()
			if err != nil {
				slog.Debug("bearer token with bad subject", "error", err)
				unauthorized(w)
				return
			}
			if t, ok := v.(DeviceToucher); ok && claims.DeviceID != "" {
				if err := t.TouchDevice(r.Context(), userID, claims.DeviceID); err != nil {
					if errors.Is(err, model.ErrUnauthenticated) {
						unauthorized(w)
						return
					}
					slog.Warn("touch device", "user_id", userID, "error", err)
				}
			}
			ctx := handler.WithIdentity(r.Context(), handler.Identity{UserID: userID, DeviceID: claims.DeviceID})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="labeldesk"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "reason": model.ReasonInvalidToken})
}
