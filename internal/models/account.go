package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountState controls route access for a commerce.
type AccountState string

const (
	AccountStatePending   AccountState = "pending"
	AccountStateActive    AccountState = "active"
	AccountStateSuspended AccountState = "suspended"
	AccountStateBlocked   AccountState = "blocked"
)

// PaymentStatus is the billing-facing status, independent of AccountState.
type PaymentStatus string

const (
	PaymentStatusTrial       PaymentStatus = "trial"
	PaymentStatusAuthorized  PaymentStatus = "authorized"
	PaymentStatusGracePeriod PaymentStatus = "grace_period"
	PaymentStatusSuspended   PaymentStatus = "suspended"
	PaymentStatusToDelete    PaymentStatus = "to_delete"
)

// Plan determines feature limits.
type Plan string

const (
	PlanTrial    Plan = "trial"
	PlanBasic    Plan = "basic"
	PlanStandard Plan = "standard"
	PlanPremium  Plan = "premium"
)

var planRank = map[Plan]int{
	PlanTrial:    0,
	PlanBasic:    1,
	PlanStandard: 2,
	PlanPremium:  3,
}

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	_, ok := planRank[p]
	return ok
}

// Rank orders plans from trial (0) to premium (3). Unknown plans rank below trial.
func (p Plan) Rank() int {
	if r, ok := planRank[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known account state.
func (s AccountState) Valid() bool {
	switch s {
	case AccountStatePending, AccountStateActive, AccountStateSuspended, AccountStateBlocked:
		return true
	}
	return false
}

// Locked reports whether the payment status must never coexist with an active account.
func (s PaymentStatus) Locked() bool {
	return s == PaymentStatusSuspended || s == PaymentStatusToDelete
}

// Account is the persisted billing record of one commerce.
type Account struct {
	ID                      string              `json:"id" db:"id"`
	Name                    string              `json:"name" db:"name"`
	Email                   string              `json:"email" db:"email"`
	State                   AccountState        `json:"state" db:"state"`
	PaymentStatus           PaymentStatus       `json:"payment_status" db:"payment_status"`
	Plan                    Plan                `json:"plan" db:"plan"`
	ProductLimit            int                 `json:"product_limit" db:"product_limit"`
	CreatedAt               time.Time           `json:"created_at" db:"created_at"`
	NextPaymentDueAt        *time.Time          `json:"next_payment_due_at" db:"next_payment_due_at"`
	LastKnownSubscriptionID *string             `json:"last_known_subscription_id" db:"last_known_subscription_id"`
	LastPaymentID           *string             `json:"last_payment_id" db:"last_payment_id"`
	LastPaymentAt           *time.Time          `json:"last_payment_at" db:"last_payment_at"`
	LastPaymentAmount       decimal.NullDecimal `json:"last_payment_amount" db:"last_payment_amount"`
	Version                 int64               `json:"version" db:"version"`
	UpdatedAt               time.Time           `json:"updated_at" db:"updated_at"`
	UpdatedBy               string              `json:"updated_by" db:"updated_by"`
}

// HasEverPaid reports whether an approved payment has ever been recorded.
func (a *Account) HasEverPaid() bool {
	return a.LastPaymentAt != nil
}

// LastPayment rebuilds the recorded payment as a fact, or nil for pure trial accounts.
func (a *Account) LastPayment() *PaymentFact {
	if a.LastPaymentAt == nil {
		return nil
	}
	fact := &PaymentFact{
		PaidAt:            *a.LastPaymentAt,
		Status:            PaymentFactApproved,
		ExternalReference: a.ID,
	}
	if a.LastPaymentID != nil {
		fact.ID = *a.LastPaymentID
	}
	if a.LastPaymentAmount.Valid {
		fact.Amount = a.LastPaymentAmount.Decimal
	}
	return fact
}

// GetNextPaymentDueAt returns the due date or the zero time if not set.
func (a *Account) GetNextPaymentDueAt() time.Time {
	if a.NextPaymentDueAt == nil {
		return time.Time{}
	}
	return *a.NextPaymentDueAt
}

// GetLastKnownSubscriptionID returns the subscription id or empty string if not set.
func (a *Account) GetLastKnownSubscriptionID() string {
	if a.LastKnownSubscriptionID == nil {
		return ""
	}
	return *a.LastKnownSubscriptionID
}

// StateDisplay returns a display-friendly state name
func (a *Account) StateDisplay() string {
	switch a.State {
	case AccountStatePending:
		return "Pending Payment"
	case AccountStateActive:
		return "Active"
	case AccountStateSuspended:
		return "Suspended"
	case AccountStateBlocked:
		return "Blocked"
	default:
		return string(a.State)
	}
}

// StateColor returns a color class for the account state (template helper)
func (a *Account) StateColor() string {
	switch a.State {
	case AccountStatePending:
		return "text-yellow-600 bg-yellow-100"
	case AccountStateActive:
		return "text-green-600 bg-green-100"
	case AccountStateSuspended:
		return "text-red-600 bg-red-100"
	default:
		return "text-gray-600 bg-gray-100"
	}
}

// PaymentStatusDisplay returns a display-friendly payment status
func (a *Account) PaymentStatusDisplay() string {
	switch a.PaymentStatus {
	case PaymentStatusTrial:
		return "Free trial"
	case PaymentStatusAuthorized:
		return "Up to date"
	case PaymentStatusGracePeriod:
		return "Payment overdue"
	case PaymentStatusSuspended:
		return "Suspended for non-payment"
	case PaymentStatusToDelete:
		return "Scheduled for deletion"
	default:
		return string(a.PaymentStatus)
	}
}

// StatusLine is the billing line shown next to the state badge. A sweep suspends an
// account without touching its payment status, so the state wins when the two disagree.
func (a *Account) StatusLine() string {
	switch a.State {
	case AccountStateSuspended:
		if a.PaymentStatus.Locked() {
			return a.PaymentStatusDisplay()
		}
		if a.HasEverPaid() {
			return "Payment period ended"
		}
		return "Free trial ended"
	case AccountStatePending:
		return "Awaiting first payment"
	}
	return a.PaymentStatusDisplay()
}
