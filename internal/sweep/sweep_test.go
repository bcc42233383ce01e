package sweep

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/database"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
	"github.com/tiendas-io/subscriptions/internal/store"
)

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func day(n int) time.Time { return epoch.Add(time.Duration(n) * billing.Day) }

func newEngine(t *testing.T) *billing.Engine {
	t.Helper()
	catalog, err := plans.FromConfig(config.PlansConfig{
		TrialLimit: 10,
		Basic:      config.PlanConfig{Limit: 20, Amount: "50000"},
		Standard:   config.PlanConfig{Limit: 50, Amount: "70000"},
		Premium:    config.PlanConfig{Limit: 100, Amount: "80000"},
	})
	require.NoError(t, err)
	return billing.NewEngine(billing.DefaultPolicy(), catalog)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Type: database.TypeSQLite,
		Path: filepath.Join(t.TempDir(), "sweep.db"),
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db)
}

type fakeArchiver struct {
	names []string
	err   error
}

func (f *fakeArchiver) Archive(_ context.Context, name string, _ time.Time, _ any) (string, error) {
	f.names = append(f.names, name)
	return "sweeps/" + name + ".json", f.err
}

func TestSweepTrialScenario(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	st := newStore(t)

	acc := engine.NewAccount("Verdulería Ana", "ana@example.com", epoch)
	require.NoError(t, st.CreateAccount(ctx, acc))

	now := day(14)
	archive := &fakeArchiver{}
	sweeper := New(st, engine, billing.ClockFunc(func() time.Time { return now }), logger.NewNop(),
		WithConcurrency(2), WithArchiver(archive), WithMetrics(metrics.New()))

	report, err := sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 0, report.Blocked)
	assert.Empty(t, report.Accounts)

	now = day(16)
	report, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, []string{"Verdulería Ana"}, report.Accounts)
	assert.True(t, report.Timestamp.Equal(day(16)))

	got, err := st.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AccountStateSuspended, got.State)
	assert.Equal(t, models.PlanTrial, got.Plan, "sweep leaves the plan alone")
	assert.Equal(t, "sweep", got.UpdatedBy)

	now = day(17)
	report, err = sweeper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Checked, "suspended accounts are not selected again")
	assert.Equal(t, 0, report.Blocked)

	assert.Equal(t, []string{"sweep", "sweep", "sweep"}, archive.names)
}

func TestSweepPaidAccountGrace(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(t)
	st := newStore(t)

	acc := engine.NewAccount("Ferretería", "f@example.com", day(-20))
	engine.Reconcile(acc, &models.PaymentFact{
		ID: "p1", Amount: engine.Catalog().PaidTiers()[0].Amount, PaidAt: epoch,
		Status: models.PaymentFactApproved, ExternalReference: acc.ID,
	}, epoch).ApplyTo(acc)
	require.NoError(t, st.CreateAccount(ctx, acc))

	for _, tt := range []struct {
		day     int
		blocked int
	}{
		{30, 0},
		{35, 0},
		{36, 1},
	} {
		now := day(tt.day)
		sweeper := New(st, engine, billing.ClockFunc(func() time.Time { return now }), logger.NewNop())
		report, err := sweeper.Run(ctx)
		require.NoError(t, err)
		assert.Equal(t, tt.blocked, report.Blocked, "day %d", tt.day)
	}
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ListAccountsByState(ctx context.Context, state models.AccountState) ([]*models.Account, error) {
	args := m.Called(ctx, state)
	accounts, _ := args.Get(0).([]*models.Account)
	return accounts, args.Error(1)
}

func (m *mockStore) Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn store.MutateFunc) (*models.Account, bool, error) {
	args := m.Called(ctx, id, source)
	acc, _ := args.Get(0).(*models.Account)
	if acc != nil {
		changed, err := fn(acc)
		return acc, changed, err
	}
	return nil, false, args.Error(2)
}

func TestSweepContinuesAfterFailure(t *testing.T) {
	engine := newEngine(t)
	broken := engine.NewAccount("Broken", "b@example.com", epoch)
	healthy := engine.NewAccount("Healthy", "h@example.com", epoch)
	fresh := engine.NewAccount("Fresh", "fr@example.com", day(10))

	ms := new(mockStore)
	ms.On("ListAccountsByState", mock.Anything, models.AccountStateActive).
		Return([]*models.Account{broken, healthy, fresh}, nil)
	ms.On("Mutate", mock.Anything, broken.ID, Source).Return(nil, false, errors.New("disk full"))
	healthyCopy := *healthy
	ms.On("Mutate", mock.Anything, healthy.ID, Source).Return(&healthyCopy, true, nil)

	archive := &fakeArchiver{err: errors.New("bucket missing")}
	sweeper := New(ms, engine, billing.ClockFunc(func() time.Time { return day(20) }), logger.NewNop(),
		WithConcurrency(4), WithArchiver(archive))

	report, err := sweeper.Run(context.Background())
	require.NoError(t, err, "per-account and archive failures never fail the run")
	assert.Equal(t, 3, report.Checked)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"Healthy"}, report.Accounts)
	assert.Equal(t, models.AccountStateSuspended, healthyCopy.State)
	ms.AssertNotCalled(t, "Mutate", mock.Anything, fresh.ID, Source)
	ms.AssertExpectations(t)
}

func TestSweepListFailure(t *testing.T) {
	ms := new(mockStore)
	ms.On("ListAccountsByState", mock.Anything, models.AccountStateActive).Return(nil, errors.New("connection refused"))

	sweeper := New(ms, newEngine(t), billing.SystemClock{}, logger.NewNop())
	_, err := sweeper.Run(context.Background())
	assert.Error(t, err)
}

func TestSweepSkipsAccountPaidMeanwhile(t *testing.T) {
	engine := newEngine(t)
	listed := engine.NewAccount("Racer", "r@example.com", epoch)

	// By the time the sweep writes, the sync driver has recorded a payment.
	paid := *listed
	engine.Reconcile(&paid, &models.PaymentFact{
		ID: "p2", Amount: engine.Catalog().PaidTiers()[0].Amount, PaidAt: day(19),
		Status: models.PaymentFactApproved, ExternalReference: listed.ID,
	}, day(19)).ApplyTo(&paid)

	ms := new(mockStore)
	ms.On("ListAccountsByState", mock.Anything, models.AccountStateActive).Return([]*models.Account{listed}, nil)
	ms.On("Mutate", mock.Anything, listed.ID, Source).Return(&paid, false, nil)

	sweeper := New(ms, engine, billing.ClockFunc(func() time.Time { return day(20) }), logger.NewNop())
	report, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Blocked)
	assert.Equal(t, models.AccountStateActive, paid.State)
}
