package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentFactApproved is the only provider status the reconciliation accepts.
const PaymentFactApproved = "approved"

// PaymentFact is the newest approved charge reported by the payment provider.
// It is never persisted as-is; the accepted fact is copied onto the account.
type PaymentFact struct {
	ID                string          `json:"id"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAt            time.Time       `json:"paid_at"`
	Status            string          `json:"status"`
	ExternalReference string          `json:"external_reference"`
}

// Newer reports whether p was paid strictly after other. A nil other is always older.
func (p *PaymentFact) Newer(other *PaymentFact) bool {
	if other == nil {
		return true
	}
	return p.PaidAt.After(other.PaidAt)
}

// BillingEvent is the audit row written alongside every account update.
type BillingEvent struct {
	ID            string        `json:"id" db:"id"`
	AccountID     string        `json:"account_id" db:"account_id"`
	Source        string        `json:"source" db:"source"`
	State         AccountState  `json:"state" db:"state"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`
	Plan          Plan          `json:"plan" db:"plan"`
	Version       int64         `json:"version" db:"version"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
}
