package model

import "errors"

// Error kinds. Handlers map these onto HTTP status codes.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrRateLimited     = errors.New("rate limited")
	ErrConflict        = errors.New("conflict")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUpstream        = errors.New("upstream failure")
)

// Machine-checkable reasons carried by *Error.
const (
	ReasonInvalidToken          = "invalid_token"
	ReasonTokenReused           = "refresh_token_used"
	ReasonTokenExpired          = "refresh_token_expired"
	ReasonInvalidCredentials    = "invalid_credentials"
	ReasonDeviceConflict        = "device_conflict"
	ReasonDeviceLimit           = "device_limit_reached"
	ReasonDeviceNotOwned        = "device_not_owned"
	ReasonDeviceNotFound        = "device_not_found"
	ReasonUserNotFound          = "user_not_found"
	ReasonEmailTaken            = "email_taken"
	ReasonDowngrade             = "downgrade_not_allowed"
	ReasonAlreadyOnPlan         = "already_on_plan"
	ReasonUpgradeCompleted      = "upgrade_already_completed"
	ReasonNoCustomer            = "no_billing_customer"
	ReasonCustomerNotOwned      = "customer_not_owned"
	ReasonNoActiveSubscription  = "no_active_subscription"
	ReasonRateLimited           = "rate_limited"
	ReasonInvalidLabelCount     = "invalid_label_count"
	ReasonInvalidPlan           = "invalid_plan"
	ReasonProviderUnavailable   = "provider_unavailable"
	ReasonPaymentsNotConfigured = "payments_not_configured"
	ReasonInvalidEmail          = "invalid_email"
	ReasonWeakPassword          = "weak_password"
	ReasonMissingDevice         = "missing_device"
	ReasonLicenseNotFound       = "not_found"
	ReasonLicenseExpired        = "expired"
	ReasonLicenseRevoked        = "revoked"
)

// Error is a classified, user-explainable failure.
type Error struct {
	Kind    error
	Reason  string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.Error()
}

func (e *Error) Unwrap() error { return e.Kind }

// NewError builds a classified error.
func NewError(kind error, reason, message string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: message}
}

// ReasonOf extracts the machine-checkable reason from err, if any.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
