package model

type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusCancelled SubscriptionStatus = "cancelled"
)

// CanTransition reports whether a subscription may move from one status to
// another. Cancelled is terminal.
func (s SubscriptionStatus) CanTransition(to SubscriptionStatus) bool {
	if s == StatusCancelled {
		return to == StatusCancelled
	}
	switch to {
	case StatusActive, StatusPastDue, StatusCancelled:
		return true
	}
	return false
}

// SubscriptionStatusFromProvider maps a provider subscription status onto the
// local three-state machine.
func SubscriptionStatusFromProvider(status string) SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return StatusActive
	case "past_due", "unpaid", "incomplete", "paused":
		return StatusPastDue
	default:
		// canceled, incomplete_expired and anything unknown fail closed.
		return StatusCancelled
	}
}

type LicenseStatus string

const (
	LicenseActive  LicenseStatus = "active"
	LicenseExpired LicenseStatus = "expired"
	LicenseRevoked LicenseStatus = "revoked"
)

// Terminal reports whether no further transitions are allowed.
func (s LicenseStatus) Terminal() bool {
	return s == LicenseExpired || s == LicenseRevoked
}
