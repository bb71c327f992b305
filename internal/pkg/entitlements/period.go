package entitlements

import (
	"math"
	"time"

	"github.com/ManuelReschke/ReelBoard/app/models"
)

const (
	day          = 24 * time.Hour
	monthlySpan  = 30 * day
	yearlySpan   = 365 * day
	DefaultTrial = 7 * day
)

// PeriodLength returns the span a purchase of period grants. Free and
// lifetime periods never expire and return 0.
func PeriodLength(period string) time.Duration {
	switch period {
	case models.BillingPeriodMonthly:
		return monthlySpan
	case models.BillingPeriodYearly:
		return yearlySpan
	default:
		return 0
	}
}

// ExpiryFrom returns base + period, or nil for non-expiring plans.
func ExpiryFrom(period string, base time.Time) *time.Time {
	span := PeriodLength(period)
	if span == 0 {
		return nil
	}
	exp := base.UTC().Add(span)
	return &exp
}

// IsExpired reports whether expiresAt has been reached. A nil expiry never expires.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return !now.UTC().Before(expiresAt.UTC())
}

// DaysRemaining rounds up to whole days and never goes below zero.
func DaysRemaining(expiresAt *time.Time, now time.Time) int {
	if expiresAt == nil {
		return 0
	}
	left := expiresAt.UTC().Sub(now.UTC())
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(float64(left) / float64(day)))
}
