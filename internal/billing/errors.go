package billing

import "github.com/cockroachdb/errors"

// Error markers shared by every driver. Wrap with errors.Mark and test with errors.Is.
var (
	ErrGatewayUnavailable = errors.New("payment provider unavailable")
	ErrInvalidPaymentFact = errors.New("invalid payment fact")
	ErrVersionConflict    = errors.New("account version conflict")
	ErrAccountNotFound    = errors.New("account not found")
	ErrUnauthorized       = errors.New("unauthorized")
)

// IsRetryable reports whether an operation failed only because another writer got there first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
