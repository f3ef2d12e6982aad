package model

import "time"

type User struct {
	ID               int64     `json:"id"`
	Email            string    `json:"email"`
	PasswordHash     string    `json:"-"`
	StripeCustomerID *string   `json:"stripe_customer_id"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Subscription struct {
	ID                     int64              `json:"id"`
	UserID                 int64              `json:"user_id"`
	ExternalCustomerID     *string            `json:"external_customer_id"`
	ExternalSubscriptionID *string            `json:"external_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	Plan                   Plan               `json:"plan"`
	BillingPeriod          BillingPeriod      `json:"billing_period"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// ExternalSubscription returns the provider subscription id or "".
func (s *Subscription) ExternalSubscription() string {
	if s == nil || s.ExternalSubscriptionID == nil {
		return ""
	}
	return *s.ExternalSubscriptionID
}

// ExternalCustomer returns the provider customer id or "".
func (s *Subscription) ExternalCustomer() string {
	if s == nil || s.ExternalCustomerID == nil {
		return ""
	}
	return *s.ExternalCustomerID
}

type License struct {
	ID                int64         `json:"id"`
	UserID            int64         `json:"user_id"`
	SubscriptionID    *int64        `json:"subscription_id"`
	Key               string        `json:"license_key"`
	Status            LicenseStatus `json:"status"`
	Plan              Plan          `json:"plan"`
	ExpiresAt         *time.Time    `json:"expires_at"`
	CheckoutSessionID *string       `json:"-"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Expired reports whether the license is past its expiry at now.
func (l *License) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

type Device struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	DeviceName   string    `json:"device_name"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

type Usage struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	DeviceID   string    `json:"device_id"`
	Plan       Plan      `json:"plan"`
	Month      string    `json:"month"`
	LabelsUsed int       `json:"labels_used"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RefreshToken struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	TokenHash string    `json:"-"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxDevices is the number of devices a user may hold at once.
const MaxDevices = 3

// Month formats t as the YYYY-MM usage bucket in UTC.
func Month(t time.Time) string {
	return t.UTC().Format("2006-01")
}
