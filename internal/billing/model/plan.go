package model

import (
	"fmt"
	"strings"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPlus Plan = "plus"
	PlanPro  Plan = "pro"
)

// ParsePlan normalizes s into a known plan.
func ParsePlan(s string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan %q", s)
	}
	return p, nil
}

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanPlus, PlanPro:
		return true
	}
	return false
}

// Level orders plans for upgrade checks: free < plus < pro.
func (p Plan) Level() int {
	switch p {
	case PlanPlus:
		return 1
	case PlanPro:
		return 2
	default:
		return 0
	}
}

// Paid reports whether the plan requires a provider subscription.
func (p Plan) Paid() bool {
	return p == PlanPlus || p == PlanPro
}

type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// ParseBillingPeriod accepts monthly/yearly and the provider's month/year
// interval names. Empty input defaults to monthly.
func ParseBillingPeriod(s string) (BillingPeriod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "monthly", "month":
		return PeriodMonthly, nil
	case "yearly", "year", "annual":
		return PeriodYearly, nil
	}
	return "", fmt.Errorf("unknown billing period %q", s)
}

// Unlimited is the remaining/limit sentinel for plans without a cap.
const Unlimited = -1

// Limits is the monthly label allowance per plan. Pro is always unlimited.
type Limits struct {
	Free int
	Plus int
}

// DefaultLimits returns the stock allowance table.
func DefaultLimits() Limits {
	return Limits{Free: 10, Plus: 60}
}

// Limit returns the monthly cap for p, or Unlimited.
func (l Limits) Limit(p Plan) int {
	switch p {
	case PlanPlus:
		return l.Plus
	case PlanPro:
		return Unlimited
	default:
		return l.Free
	}
}
