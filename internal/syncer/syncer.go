// Package syncer reconciles one account against the payment provider on demand.
package syncer

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/store"
)

const Source = "sync"

const (
	StatusUpdated  = "updated"
	StatusNoChange = "no-change"
)

// PaymentSource finds the newest approved payment for an external reference.
type PaymentSource interface {
	LatestApprovedPayment(ctx context.Context, ref string) (*models.PaymentFact, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn store.MutateFunc) (*models.Account, bool, error)
}

// Result is what the caller is told after a sync.
type Result struct {
	Status           string               `json:"status"`
	PaymentStatus    models.PaymentStatus `json:"paymentStatus"`
	Plan             models.Plan          `json:"plan"`
	ProductLimit     int                  `json:"productLimit"`
	NextPaymentDueAt *time.Time           `json:"nextPaymentDueAt"`
}

func resultFrom(status string, acc *models.Account) *Result {
	return &Result{
		Status:           status,
		PaymentStatus:    acc.PaymentStatus,
		Plan:             acc.Plan,
		ProductLimit:     acc.ProductLimit,
		NextPaymentDueAt: acc.NextPaymentDueAt,
	}
}

type Syncer struct {
	store    AccountStore
	payments PaymentSource
	engine   *billing.Engine
	clock    billing.Clock
	timeout  time.Duration
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func New(st AccountStore, payments PaymentSource, engine *billing.Engine, clock billing.Clock, timeout time.Duration, log *logger.Logger, m *metrics.Metrics) *Syncer {
	return &Syncer{
		store:    st,
		payments: payments,
		engine:   engine,
		clock:    clock,
		timeout:  timeout,
		log:      log.Named("sync"),
		metrics:  m,
	}
}

// Sync asks the provider for the account's newest approved payment and persists the
// engine's decision. Provider failures come back marked billing.ErrGatewayUnavailable
// and leave the account untouched; so do invalid payment facts.
func (s *Syncer) Sync(ctx context.Context, accountID string) (*Result, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.metrics.SyncOutcome("error")
		return nil, err
	}

	lookupCtx, cancel := context.WithTimeout(ctx, s.timeout)
	fact, err := s.payments.LatestApprovedPayment(lookupCtx, acc.ID)
	cancel()
	if err != nil {
		s.metrics.SyncOutcome("gateway_unavailable")
		s.log.Warnw("payment lookup failed", "account_id", acc.ID, "error", err)
		return resultFrom(StatusNoChange, acc), errors.Mark(err, billing.ErrGatewayUnavailable)
	}

	now := s.clock.Now()
	if err := s.engine.ValidateFact(acc, fact, now); err != nil {
		s.metrics.SyncOutcome("invalid_fact")
		s.log.Warnw("rejected payment fact", "account_id", acc.ID, "error", err)
		return resultFrom(StatusNoChange, acc), nil
	}

	stored, written, err := s.store.Mutate(ctx, acc.ID, Source, store.DefaultAttempts, now, func(fresh *models.Account) (bool, error) {
		decision := s.engine.Reconcile(fresh, fact, now)
		if decision.Matches(fresh) {
			return false, nil
		}
		decision.ApplyTo(fresh)
		return true, nil
	})
	if err != nil {
		s.metrics.SyncOutcome("error")
		return nil, errors.Wrapf(err, "persist sync for %s", acc.ID)
	}

	if !written {
		s.metrics.SyncOutcome(StatusNoChange)
		return resultFrom(StatusNoChange, stored), nil
	}

	s.metrics.SyncOutcome(StatusUpdated)
	s.metrics.AccountWritten(Source, string(stored.PaymentStatus))
	s.log.Infow("account synced",
		"account_id", stored.ID,
		"payment_status", stored.PaymentStatus,
		"plan", stored.Plan,
		"state", stored.State,
	)
	return resultFrom(StatusUpdated, stored), nil
}
