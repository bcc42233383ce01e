// Package sweep suspends active accounts whose paid or trial period has run out.
package sweep

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/store"
)

// Source is recorded as updated_by on every write the sweep makes.
const Source = "sweep"

type AccountStore interface {
	ListAccountsByState(ctx context.Context, state models.AccountState) ([]*models.Account, error)
	Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn store.MutateFunc) (*models.Account, bool, error)
}

// Archiver keeps a copy of each report.
type Archiver interface {
	Archive(ctx context.Context, name string, at time.Time, v any) (string, error)
}

// Report summarizes one run.
type Report struct {
	Checked   int       `json:"checked"`
	Blocked   int       `json:"blocked"`
	Accounts  []string  `json:"accounts"`
	Failed    int       `json:"failed"`
	Timestamp time.Time `json:"timestamp"`
}

type Sweeper struct {
	store       AccountStore
	engine      *billing.Engine
	clock       billing.Clock
	log         *logger.Logger
	metrics     *metrics.Metrics
	archiver    Archiver
	concurrency int
}

type Option func(*Sweeper)

func WithConcurrency(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithArchiver(a Archiver) Option {
	return func(s *Sweeper) { s.archiver = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

func New(st AccountStore, engine *billing.Engine, clock billing.Clock, log *logger.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:       st,
		engine:      engine,
		clock:       clock,
		log:         log.Named("sweep"),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run checks every active account once. A failed write for one account is counted
// and logged and does not stop the others. Only a failure to list accounts fails the run.
func (s *Sweeper) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	now := s.clock.Now()

	active, err := s.store.ListAccountsByState(ctx, models.AccountStateActive)
	if err != nil {
		return nil, errors.Wrap(err, "list active accounts")
	}

	expired := lo.Filter(active, func(acc *models.Account, _ int) bool {
		return s.engine.SweepExpired(acc, now)
	})

	report := &Report{
		Checked:   len(active),
		Accounts:  []string{},
		Timestamp: now,
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, acc := range expired {
		acc := acc
		g.Go(func() error {
			stored, written, err := s.store.Mutate(ctx, acc.ID, Source, store.DefaultAttempts, now, s.suspend(now))

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				s.log.Errorw("failed to suspend account", "account_id", acc.ID, "error", err)
			case written:
				report.Blocked++
				report.Accounts = append(report.Accounts, stored.Name)
				s.metrics.AccountWritten(Source, string(stored.PaymentStatus))
				s.log.Infow("account suspended", "account_id", acc.ID, "due_at", s.engine.Policy().DueAt(stored))
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Accounts)
	s.metrics.SweepFinished(report.Checked, report.Blocked, report.Failed, time.Since(start).Seconds())
	s.log.Infow("sweep finished", "checked", report.Checked, "blocked", report.Blocked, "failed", report.Failed)

	if s.archiver != nil {
		if key, err := s.archiver.Archive(ctx, "sweep", now, report); err != nil {
			s.log.Warnw("failed to archive sweep report", "error", err)
		} else {
			s.log.Debugw("sweep report archived", "key", key)
		}
	}
	return report, nil
}

// suspend re-checks the fresh record before writing, so an account paid or blocked
// since the listing is left alone.
func (s *Sweeper) suspend(now time.Time) store.MutateFunc {
	return func(acc *models.Account) (bool, error) {
		if acc.State != models.AccountStateActive || !s.engine.SweepExpired(acc, now) {
			return false, nil
		}
		acc.State = models.AccountStateSuspended
		return true, nil
	}
}
