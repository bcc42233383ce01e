package billing

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
)

// Decision is the tuple the engine wants persisted for one account.
type Decision struct {
	State            models.AccountState
	PaymentStatus    models.PaymentStatus
	Plan             models.Plan
	ProductLimit     int
	NextPaymentDueAt time.Time
	// LastPayment is the effective payment to record; nil for never-paid accounts.
	LastPayment *models.PaymentFact
}

// Matches reports whether writing d onto acc would change nothing.
func (d Decision) Matches(acc *models.Account) bool {
	if d.State != acc.State ||
		d.PaymentStatus != acc.PaymentStatus ||
		d.Plan != acc.Plan ||
		d.ProductLimit != acc.ProductLimit {
		return false
	}
	if acc.NextPaymentDueAt == nil || !acc.NextPaymentDueAt.Equal(d.NextPaymentDueAt) {
		return false
	}
	if d.LastPayment == nil {
		return acc.LastPaymentAt == nil
	}
	return acc.LastPaymentAt != nil &&
		acc.LastPaymentAt.Equal(d.LastPayment.PaidAt) &&
		acc.LastPaymentID != nil && *acc.LastPaymentID == d.LastPayment.ID &&
		acc.LastPaymentAmount.Valid && acc.LastPaymentAmount.Decimal.Equal(d.LastPayment.Amount)
}

// Engine turns an account plus the newest payment fact into a Decision. It has no side effects.
type Engine struct {
	policy  Policy
	catalog *plans.Catalog
}

func NewEngine(policy Policy, catalog *plans.Catalog) *Engine {
	return &Engine{policy: policy, catalog: catalog}
}

func (e *Engine) Policy() Policy { return e.policy }

func (e *Engine) Catalog() *plans.Catalog { return e.catalog }

// NewAccount returns a freshly signed-up account on the trial plan.
func (e *Engine) NewAccount(name, email string, now time.Time) *models.Account {
	now = now.UTC().Truncate(time.Microsecond)
	due := e.policy.TrialDueAt(now)
	return &models.Account{
		ID:               uuid.New().String(),
		Name:             name,
		Email:            email,
		State:            models.AccountStateActive,
		PaymentStatus:    models.PaymentStatusTrial,
		Plan:             models.PlanTrial,
		ProductLimit:     e.catalog.Limit(models.PlanTrial),
		CreatedAt:        now,
		NextPaymentDueAt: &due,
		UpdatedAt:        now,
		UpdatedBy:        "signup",
	}
}

// ValidateFact rejects provider data that must not drive a decision. A nil fact is valid
// and means the provider has no approved payment on record.
func (e *Engine) ValidateFact(acc *models.Account, fact *models.PaymentFact, now time.Time) error {
	if fact == nil {
		return nil
	}
	var reason string
	switch {
	case fact.Status != models.PaymentFactApproved:
		reason = "status " + fact.Status + " is not approved"
	case fact.PaidAt.IsZero():
		reason = "payment date missing"
	case fact.PaidAt.After(now.Add(FactSkew)):
		reason = "payment date " + fact.PaidAt.Format(time.RFC3339) + " is in the future"
	case !fact.Amount.IsPositive():
		reason = "amount " + fact.Amount.String() + " is not positive"
	case fact.ExternalReference != acc.ID:
		reason = "external reference " + fact.ExternalReference + " does not match account"
	default:
		return nil
	}
	return errors.Mark(errors.Newf("payment %s: %s", fact.ID, reason), ErrInvalidPaymentFact)
}

// Reconcile computes the decision for acc given the newest approved payment the provider
// knows about. An older fact never rolls the recorded history back; a fact for the
// recorded payment itself replaces the stored copy.
func (e *Engine) Reconcile(acc *models.Account, fact *models.PaymentFact, now time.Time) Decision {
	effective := acc.LastPayment()
	if fact != nil && (fact.Newer(effective) || (effective != nil && fact.ID == effective.ID)) {
		f := *fact
		effective = &f
	}

	d := Decision{Plan: acc.Plan, LastPayment: effective}
	if effective == nil {
		d.PaymentStatus = e.policy.Classify(acc.CreatedAt, false, now)
		d.NextPaymentDueAt = e.policy.TrialDueAt(acc.CreatedAt)
	} else {
		d.PaymentStatus = e.policy.Classify(effective.PaidAt, true, now)
		d.NextPaymentDueAt = e.policy.NextDueAt(effective.PaidAt)
		switch d.PaymentStatus {
		case models.PaymentStatusAuthorized, models.PaymentStatusGracePeriod:
			if plan, ok := e.catalog.PlanForAmount(effective.Amount); ok {
				d.Plan = plan
			}
		default:
			d.Plan = models.PlanTrial
		}
	}
	d.ProductLimit = e.catalog.Limit(d.Plan)
	d.State = DeriveState(acc.State, d.PaymentStatus)
	return d
}

// SweepExpired reports whether an active account has run out of time.
func (e *Engine) SweepExpired(acc *models.Account, now time.Time) bool {
	return e.policy.SweepExpired(e.policy.DueAt(acc), acc.HasEverPaid(), now)
}

// DeriveState maps a payment status onto the access state. Blocked is left alone.
func DeriveState(current models.AccountState, status models.PaymentStatus) models.AccountState {
	if current == models.AccountStateBlocked {
		return current
	}
	if status.Locked() {
		return models.AccountStateSuspended
	}
	return models.AccountStateActive
}

// ApplyTo copies the decision onto acc. Payment history is only ever moved forward.
func (d Decision) ApplyTo(acc *models.Account) {
	acc.State = d.State
	acc.PaymentStatus = d.PaymentStatus
	acc.Plan = d.Plan
	acc.ProductLimit = d.ProductLimit
	due := d.NextPaymentDueAt
	acc.NextPaymentDueAt = &due
	if d.LastPayment != nil {
		id := d.LastPayment.ID
		paidAt := d.LastPayment.PaidAt
		acc.LastPaymentID = &id
		acc.LastPaymentAt = &paidAt
		acc.LastPaymentAmount = decimal.NewNullDecimal(d.LastPayment.Amount)
	}
}
