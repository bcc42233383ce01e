package billing

import (
	"time"

	"github.com/tiendas-io/subscriptions/internal/models"
)

const (
	TrialDays    = 15
	PeriodDays   = 30
	GraceDays    = 5
	DeletionDays = 90

	// FactSkew is how far in the future a provider timestamp may be before it is rejected.
	FactSkew = 5 * time.Minute
)

// Policy holds the day boundaries used by both the reconciliation engine and the sweep.
type Policy struct {
	TrialDays    int
	PeriodDays   int
	GraceDays    int
	DeletionDays int
}

func DefaultPolicy() Policy {
	return Policy{
		TrialDays:    TrialDays,
		PeriodDays:   PeriodDays,
		GraceDays:    GraceDays,
		DeletionDays: DeletionDays,
	}
}

// TrialDueAt is the instant a never-paid account's trial runs out.
func (p Policy) TrialDueAt(createdAt time.Time) time.Time {
	return createdAt.Add(time.Duration(p.TrialDays) * Day)
}

// NextDueAt is the instant the period bought by a payment ends.
func (p Policy) NextDueAt(paidAt time.Time) time.Time {
	return paidAt.Add(time.Duration(p.PeriodDays) * Day)
}

// Classify maps the elapsed days since the anchor to a payment status. The anchor is
// createdAt for never-paid accounts and the effective payment date otherwise.
func (p Policy) Classify(anchor time.Time, hasEverPaid bool, now time.Time) models.PaymentStatus {
	days := DaysBetween(anchor, now)
	if !hasEverPaid {
		if days > p.TrialDays {
			return models.PaymentStatusSuspended
		}
		return models.PaymentStatusTrial
	}
	switch {
	case days <= p.PeriodDays:
		return models.PaymentStatusAuthorized
	case days <= p.PeriodDays+p.GraceDays:
		return models.PaymentStatusGracePeriod
	case days <= p.DeletionDays:
		return models.PaymentStatusSuspended
	default:
		return models.PaymentStatusToDelete
	}
}

// Grace is the number of whole days past the due date an account keeps access.
func (p Policy) Grace(hasEverPaid bool) int {
	if hasEverPaid {
		return p.GraceDays
	}
	return 0
}

// SweepExpired reports whether an account due at nextDue has run past its grace.
// For any anchor it agrees with Classify: expired exactly when Classify yields
// suspended or to_delete.
func (p Policy) SweepExpired(nextDue time.Time, hasEverPaid bool, now time.Time) bool {
	return DaysBetween(nextDue, now) > p.Grace(hasEverPaid)
}

// DueAt returns the stored due date, falling back to the anchor the account is governed by.
func (p Policy) DueAt(acc *models.Account) time.Time {
	if acc.NextPaymentDueAt != nil {
		return *acc.NextPaymentDueAt
	}
	if acc.LastPaymentAt != nil {
		return p.NextDueAt(*acc.LastPaymentAt)
	}
	return p.TrialDueAt(acc.CreatedAt)
}
