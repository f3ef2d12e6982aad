package gate

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/labeldesk/internal/billing/metrics"
	"github.com/dukerupert/labeldesk/internal/billing/model"
	"github.com/dukerupert/labeldesk/internal/billing/store"
	"github.com/dukerupert/labeldesk/internal/billing/token"
	"github.com/dukerupert/labeldesk/internal/middleware"
)

// Refresh calls allowed per refresh token per window.
const (
	RefreshLimit  = 10
	RefreshWindow = time.Minute
)

const minPasswordLen = 8

// PlanResolver derives a user's current plan.
type PlanResolver interface {
	ResolvePlan(ctx context.Context, userID int64) (model.Plan, error)
}

// SubscriptionView is the plan summary returned to clients.
type SubscriptionView struct {
	Plan              model.Plan               `json:"plan"`
	Status            model.SubscriptionStatus `json:"status"`
	BillingPeriod     model.BillingPeriod      `json:"billingPeriod"`
	CurrentPeriodEnd  *time.Time               `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd bool                     `json:"cancelAtPeriodEnd"`
}

// TokenPair is a freshly issued access/refresh pair.
type TokenPair struct {
	AccessToken  string            `json:"accessToken"`
	RefreshToken string            `json:"refreshToken"`
	ExpiresIn    int               `json:"expiresIn"`
	Subscription *SubscriptionView `json:"subscription"`
}

// DeviceRegistration reports the device and the user's device count after
// registration.
type DeviceRegistration struct {
	DeviceID    string `json:"deviceId"`
	DeviceCount int    `json:"deviceCount"`
}

type Config struct {
	RefreshTTL time.Duration
	BcryptCost int
}

// Gate authenticates desktop clients and enforces the per-user device cap.
type Gate struct {
	store      *store.Store
	issuer     *token.Issuer
	limiter    middleware.Limiter
	plans      PlanResolver
	refreshTTL time.Duration
	bcryptCost int
	logger     *slog.Logger
}

func New(s *store.Store, issuer *token.Issuer, limiter middleware.Limiter, plans PlanResolver, cfg Config, logger *slog.Logger) *Gate {
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 30 * 24 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Gate{
		store:      s,
		issuer:     issuer,
		limiter:    limiter,
		plans:      plans,
		refreshTTL: cfg.RefreshTTL,
		bcryptCost: cfg.BcryptCost,
		logger:     logger,
	}
}

// ValidateBearerToken parses an Authorization header value. It returns nil on
// any failure so callers uniformly answer 401.
func (g *Gate) ValidateBearerToken(header string) *token.Claims {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	claims, err := g.issuer.Verify(raw)
	if err != nil {
		g.logger.Debug("bearer token rejected", "error", err)
		return nil
	}
	return claims
}

// Register creates an account together with its free default subscription.
func (g *Gate) Register(ctx context.Context, email, password string) (*model.User, *model.Subscription, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil || addr.Address != strings.TrimSpace(email) {
		return nil, nil, model.NewError(model.ErrInvalidInput, model.ReasonInvalidEmail, "a valid email address is required")
	}
	if len(password) < minPasswordLen {
		return nil, nil, model.NewError(model.ErrInvalidInput, model.ReasonWeakPassword, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), g.bcryptCost)
	if err != nil {
		return nil, nil, fmt.Errorf("hash password: %w", err)
	}

	var user *model.User
	var sub *model.Subscription
	err = g.store.InTx(ctx, func(tx *store.Store) error {
		user, err = tx.Users.Create(ctx, addr.Address, string(hash))
		if store.IsUniqueViolation(err) {
			return model.NewError(model.ErrConflict, model.ReasonEmailTaken, "an account with this email already exists")
		}
		if err != nil {
			return err
		}
		sub, err = tx.Subscriptions.CreateFree(ctx, user.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	g.logger.Info("account registered", "user_id", user.ID)
	return user, sub, nil
}

// Login checks the password, registers the device and issues a token pair.
func (g *Gate) Login(ctx context.Context, email, password, deviceID, deviceName string) (*TokenPair, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, model.NewError(model.ErrInvalidInput, model.ReasonMissingDevice, "deviceId is required")
	}
	invalid := model.NewError(model.ErrUnauthenticated, model.ReasonInvalidCredentials, "invalid email or password")

	user, err := g.store.Users.GetByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == "" {
		return nil, invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, invalid
	}

	if _, err := g.RegisterDevice(ctx, user.ID, deviceID, deviceName); err != nil {
		return nil, err
	}

	var pair *TokenPair
	err = g.store.InTx(ctx, func(tx *store.Store) error {
		pair, err = g.issuePair(ctx, tx, user.ID, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return g.withSubscription(ctx, user.ID, pair)
}

// RegisterDevice binds deviceID to the user. Re-registering a device the
// user already owns refreshes it; a device owned by someone else, or a fourth
// device, is refused.
func (g *Gate) RegisterDevice(ctx context.Context, userID int64, deviceID, name string) (*DeviceRegistration, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, model.NewError(model.ErrInvalidInput, model.ReasonMissingDevice, "deviceId is required")
	}

	var reg *DeviceRegistration
	err := g.store.InTx(ctx, func(tx *store.Store) error {
		existing, err := tx.Devices.GetByDeviceID(ctx, deviceID)
		if err != nil {
			return err
		}
		if existing != nil && existing.UserID != userID {
			return model.NewError(model.ErrConflict, model.ReasonDeviceConflict, "device is already registered to another account")
		}
		if existing != nil {
			if _, err := tx.Devices.Touch(ctx, userID, deviceID, name); err != nil {
				return err
			}
		} else {
			count, err := tx.Devices.CountByUser(ctx, userID)
			if err != nil {
				return err
			}
			if count >= model.MaxDevices {
				return model.NewError(model.ErrConflict, model.ReasonDeviceLimit,
					fmt.Sprintf("device limit reached: at most %d devices per account", model.MaxDevices))
			}
			if _, err := tx.Devices.Create(ctx, userID, deviceID, name); err != nil {
				if store.IsUniqueViolation(err) {
					return model.NewError(model.ErrConflict, model.ReasonDeviceConflict, "device is already registered to another account")
				}
				return err
			}
		}
		count, err := tx.Devices.CountByUser(ctx, userID)
		if err != nil {
			return err
		}
		reg = &DeviceRegistration{DeviceID: deviceID, DeviceCount: count}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// RemoveDevice unbinds a device and deletes its refresh tokens.
func (g *Gate) RemoveDevice(ctx context.Context, userID int64, deviceID string) error {
	return g.store.InTx(ctx, func(tx *store.Store) error {
		d, err := tx.Devices.GetByDeviceID(ctx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return model.NewError(model.ErrNotFound, model.ReasonDeviceNotFound, "device not found")
		}
		if d.UserID != userID {
			return model.NewError(model.ErrForbidden, model.ReasonDeviceNotOwned, "device belongs to another account")
		}
		if _, err := tx.Devices.Delete(ctx, userID, deviceID); err != nil {
			return err
		}
		n, err := tx.RefreshTokens.DeleteByDevice(ctx, userID, deviceID)
		if err != nil {
			return err
		}
		g.logger.Info("device removed", "user_id", userID, "device_id", deviceID, "tokens_deleted", n)
		return nil
	})
}

// Refresh rotates a refresh token: the presented token is consumed and a new
// pair is issued. A token can be exchanged once.
func (g *Gate) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, model.NewError(model.ErrUnauthenticated, model.ReasonInvalidToken, "refresh token required")
	}
	hash := token.HashRefreshToken(refreshToken)

	ok, err := g.limiter.Allow(ctx, "refresh:"+hash[:32], RefreshLimit, RefreshWindow)
	if err != nil {
		return nil, fmt.Errorf("check refresh rate: %w", err)
	}
	if !ok {
		metrics.RateLimitedTotal.WithLabelValues("refresh").Inc()
		return nil, model.NewError(model.ErrRateLimited, model.ReasonRateLimited, "too many refresh attempts")
	}

	var pair *TokenPair
	var userID int64
	var reused *model.RefreshToken
	err = g.store.InTx(ctx, func(tx *store.Store) error {
		rt, err := tx.RefreshTokens.Consume(ctx, hash)
		if err != nil {
			return err
		}
		if rt == nil {
			reused, err = g.rejectRefresh(ctx, tx, hash)
			return err
		}
		d, err := tx.Devices.GetByDeviceID(ctx, rt.DeviceID)
		if err != nil {
			return err
		}
		if d == nil || d.UserID != rt.UserID {
			return model.NewError(model.ErrUnauthenticated, model.ReasonInvalidToken, "device is no longer registered")
		}
		if _, err := tx.Devices.Touch(ctx, rt.UserID, rt.DeviceID, ""); err != nil {
			return err
		}
		userID = rt.UserID
		pair, err = g.issuePair(ctx, tx, rt.UserID, rt.DeviceID)
		return err
	})
	if reused != nil {
		g.revokeDeviceTokens(ctx, reused)
	}
	if err != nil {
		return nil, err
	}
	return g.withSubscription(ctx, userID, pair)
}

// rejectRefresh explains why an unconsumable token was refused. A token that
// was already exchanged is returned so its device's tokens can be revoked
// once the refused transaction is rolled back.
func (g *Gate) rejectRefresh(ctx context.Context, tx *store.Store, hash string) (*model.RefreshToken, error) {
	rt, err := tx.RefreshTokens.GetByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch {
	case rt == nil:
		return nil, model.NewError(model.ErrUnauthenticated, model.ReasonInvalidToken, "invalid refresh token")
	case rt.Used:
		return rt, model.NewError(model.ErrUnauthenticated, model.ReasonTokenReused, "refresh token already used")
	default:
		return nil, model.NewError(model.ErrUnauthenticated, model.ReasonTokenExpired, "refresh token expired")
	}
}

// revokeDeviceTokens deletes every refresh token of the device a reused token
// belonged to, so both holders have to log in again.
func (g *Gate) revokeDeviceTokens(ctx context.Context, rt *model.RefreshToken) {
	n, err := g.store.RefreshTokens.DeleteByDevice(ctx, rt.UserID, rt.DeviceID)
	if err != nil {
		g.logger.Error("revoke refresh tokens after reuse", "user_id", rt.UserID, "device_id", rt.DeviceID, "error", err)
		return
	}
	g.logger.Warn("refresh token reuse", "user_id", rt.UserID, "device_id", rt.DeviceID, "tokens_revoked", n)
}

func (g *Gate) issuePair(ctx context.Context, tx *store.Store, userID int64, deviceID string) (*TokenPair, error) {
	access, _, err := g.issuer.Issue(userID, deviceID)
	if err != nil {
		return nil, err
	}
	plain, hash, err := token.NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if _, err := tx.RefreshTokens.Create(ctx, userID, deviceID, hash, tx.Now().Add(g.refreshTTL)); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: plain,
		ExpiresIn:    int(g.issuer.AccessTTL().Seconds()),
	}, nil
}

func (g *Gate) withSubscription(ctx context.Context, userID int64, pair *TokenPair) (*TokenPair, error) {
	view, err := g.Subscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	pair.Subscription = view
	return pair, nil
}

// Subscription describes the user's current plan. The plan always comes
// from the resolver; the remaining fields from the current active row.
func (g *Gate) Subscription(ctx context.Context, userID int64) (*SubscriptionView, error) {
	plan, err := g.plans.ResolvePlan(ctx, userID)
	if err != nil {
		return nil, err
	}
	view := &SubscriptionView{Plan: plan, Status: model.StatusActive, BillingPeriod: model.PeriodMonthly}
	sub, err := g.store.Subscriptions.GetCurrentActive(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		view.Status = sub.Status
		view.BillingPeriod = sub.BillingPeriod
		view.CurrentPeriodEnd = sub.CurrentPeriodEnd
		view.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	}
	return view, nil
}

// TouchDevice records activity from an authenticated device. A device that
// is no longer registered to the user is refused as unauthenticated.
func (g *Gate) TouchDevice(ctx context.Context, userID int64, deviceID string) error {
	ok, err := g.store.Devices.Touch(ctx, userID, deviceID, "")
	if err != nil {
		return err
	}
	if !ok {
		return model.NewError(model.ErrUnauthenticated, model.ReasonDeviceNotFound, "device is no longer registered")
	}
	return nil
}

// Session is the identity and device snapshot for an authenticated client.
type Session struct {
	User         *model.User       `json:"user"`
	Subscription *SubscriptionView `json:"subscription"`
	Device       *model.Device     `json:"device"`
}

// Session loads the caller's user, plan and device.
func (g *Gate) Session(ctx context.Context, userID int64, deviceID string) (*Session, error) {
	user, err := g.store.Users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, model.NewError(model.ErrNotFound, model.ReasonUserNotFound, "user not found")
	}
	device, err := g.store.Devices.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil || device.UserID != userID {
		return nil, model.NewError(model.ErrNotFound, model.ReasonDeviceNotFound, "device not registered")
	}
	view, err := g.Subscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Session{User: user, Subscription: view, Device: device}, nil
}
