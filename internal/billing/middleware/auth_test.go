package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukerupert/labeldesk/internal/billing/handler"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/token"
)

type staticValidator struct {
	claims *token.Claims
}

func (v staticValidator) ValidateBearerToken(header string) *token.Claims {
	if header != "Bearer good" {
		return nil
	}
	return v.claims
}

func TestRequireBearer(t *testing.T) {
	claims := &token.Claims{DeviceID: "dev-1"}
	claims.Subject = "42"

	var got handler.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = handler.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := RequireBearer(staticValidator{claims: claims})(next)

	req := httptest.NewRequest("GET", "/api/desktop/session", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got.UserID != 42 || got.DeviceID != "dev-1" {
		t.Errorf("identity = %+v", got)
	}

	req = httptest.NewRequest("GET", "/api/desktop/session", nil)
	req.Header.Set("Authorization", "Bearer bad")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestRequireBearerBadSubject(t *testing.T) {
	claims := &token.Claims{DeviceID: "dev-1"}
	claims.Subject = "not-a-number"
	h := RequireBearer(staticValidator{claims: claims})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("next handler should not run")
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

type touchingValidator struct {
	staticValidator
	err error
}

func (v touchingValidator) TouchDevice(ctx context.Context, userID int64, deviceID string) error {
	return v.err
}

func TestRequireBearerRemovedDevice(t *testing.T) {
	claims := &token.Claims{DeviceID: "dev-1"}
	claims.Subject = "42"

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"registered", nil, http.StatusOK},
		{"removed", model.NewError(model.ErrUnauthenticated, model.ReasonDeviceNotFound, "device is no longer registered"), http.StatusUnauthorized},
		{"store error", errors.New("database is locked"), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := touchingValidator{staticValidator: staticValidator{claims: claims}, err: tt.err}
			h := RequireBearer(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest("POST", "/api/desktop/validate-label-creation", nil)
			req.Header.Set("Authorization", "Bearer good")
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
