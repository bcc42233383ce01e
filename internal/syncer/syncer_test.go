package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

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

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) LatestApprovedPayment(ctx context.Context, ref string) (*models.PaymentFact, error) {
	args := m.Called(ctx, ref)
	fact, _ := args.Get(0).(*models.PaymentFact)
	return fact, args.Error(1)
}

// stalledPayments never answers; it returns once the caller's deadline passes.
type stalledPayments struct{}

func (stalledPayments) LatestApprovedPayment(ctx context.Context, ref string) (*models.PaymentFact, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type SyncerTestSuite struct {
	suite.Suite
	ctx      context.Context
	db       *database.DB
	store    *store.Store
	engine   *billing.Engine
	payments *mockPayments
	now      time.Time
	syncer   *Syncer
}

func (s *SyncerTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := database.Open(s.ctx, config.DatabaseConfig{
		Type: database.TypeSQLite,
		Path: filepath.Join(s.T().TempDir(), "sync.db"),
	}, logger.NewNop())
	s.Require().NoError(err)
	s.db = db
	s.store = store.New(db)

	catalog, err := plans.FromConfig(config.PlansConfig{
		TrialLimit: 10,
		Basic:      config.PlanConfig{Limit: 20, Amount: "50000"},
		Standard:   config.PlanConfig{Limit: 50, Amount: "70000"},
		Premium:    config.PlanConfig{Limit: 100, Amount: "80000"},
	})
	s.Require().NoError(err)
	s.engine = billing.NewEngine(billing.DefaultPolicy(), catalog)
	s.payments = new(mockPayments)
	s.now = epoch
	clock := billing.ClockFunc(func() time.Time { return s.now })
	s.syncer = New(s.store, s.payments, s.engine, clock, time.Second, logger.NewNop(), metrics.New())
}

func (s *SyncerTestSuite) TearDownTest() {
	s.db.Close()
}

func (s *SyncerTestSuite) newAccount() *models.Account {
	acc := s.engine.NewAccount("Librería Sur", "sur@example.com", epoch)
	s.Require().NoError(s.store.CreateAccount(s.ctx, acc))
	return acc
}

func (s *SyncerTestSuite) approved(acc *models.Account, id string, at time.Time, amount int64) *models.PaymentFact {
	return &models.PaymentFact{
		ID:                id,
		Amount:            decimal.NewFromInt(amount),
		PaidAt:            at,
		Status:            models.PaymentFactApproved,
		ExternalReference: acc.ID,
	}
}

func (s *SyncerTestSuite) TestTrialWithoutPaymentIsNoChange() {
	acc := s.newAccount()
	s.now = day(5)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(nil, nil)

	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusNoChange, res.Status)
	s.Equal(models.PaymentStatusTrial, res.PaymentStatus)
	s.Equal(models.PlanTrial, res.Plan)
	s.Equal(10, res.ProductLimit)
}

func (s *SyncerTestSuite) TestPaymentUpgradesPlan() {
	acc := s.newAccount()
	s.now = day(3)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p1", day(2), 70000), nil)

	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusUpdated, res.Status)
	s.Equal(models.PaymentStatusAuthorized, res.PaymentStatus)
	s.Equal(models.PlanStandard, res.Plan)
	s.Equal(50, res.ProductLimit)
	s.Require().NotNil(res.NextPaymentDueAt)
	s.True(res.NextPaymentDueAt.Equal(day(32)))

	again, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusNoChange, again.Status, "a repeated sync writes nothing")

	events, err := s.store.ListEvents(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *SyncerTestSuite) TestUpgradeScenario() {
	acc := s.newAccount()
	s.now = day(0)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p1", day(0), 50000), nil).Once()
	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(models.PlanBasic, res.Plan)
	s.Equal(20, res.ProductLimit)

	s.now = day(31)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p2", day(30), 70000), nil).Once()
	res, err = s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusUpdated, res.Status)
	s.Equal(models.PaymentStatusAuthorized, res.PaymentStatus)
	s.Equal(models.PlanStandard, res.Plan)
	s.Equal(50, res.ProductLimit)
}

func (s *SyncerTestSuite) TestCorrectedAmountIsWritten() {
	acc := s.newAccount()
	s.now = day(3)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p1", day(2), 50000), nil).Once()
	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(models.PlanBasic, res.Plan)

	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p1", day(2), 80000), nil).Once()
	res, err = s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusUpdated, res.Status)
	s.Equal(models.PlanPremium, res.Plan)

	got, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Require().True(got.LastPaymentAmount.Valid)
	s.True(got.LastPaymentAmount.Decimal.Equal(decimal.NewFromInt(80000)))
}

func (s *SyncerTestSuite) TestReactivatesSuspendedAccount() {
	acc := s.newAccount()
	acc.State = models.AccountStateSuspended
	s.Require().NoError(s.store.Save(s.ctx, acc, "sweep", day(16)))

	s.now = day(20)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(s.approved(acc, "p1", day(19), 80000), nil)
	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusUpdated, res.Status)

	got, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(models.AccountStateActive, got.State)
	s.Equal(models.PlanPremium, got.Plan)
	s.Equal(100, got.ProductLimit)
}

func (s *SyncerTestSuite) TestGatewayFailureLeavesAccountAlone() {
	acc := s.newAccount()
	s.now = day(20)
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(nil, errors.New("dial tcp: i/o timeout"))

	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().Error(err)
	s.True(errors.Is(err, billing.ErrGatewayUnavailable))
	s.Require().NotNil(res)
	s.Equal(StatusNoChange, res.Status)

	got, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(models.AccountStateActive, got.State, "a failed lookup never suspends")
	s.Equal(int64(1), got.Version)
}

func (s *SyncerTestSuite) TestLookupTimeoutIsNoChange() {
	acc := s.newAccount()
	s.now = day(20)
	clock := billing.ClockFunc(func() time.Time { return s.now })
	slow := New(s.store, stalledPayments{}, s.engine, clock, 50*time.Millisecond, logger.NewNop(), metrics.New())

	start := time.Now()
	res, err := slow.Sync(s.ctx, acc.ID)
	elapsed := time.Since(start)

	s.Require().Error(err)
	s.True(errors.Is(err, billing.ErrGatewayUnavailable))
	s.True(errors.Is(err, context.DeadlineExceeded))
	s.Less(elapsed, time.Second)
	s.Require().NotNil(res)
	s.Equal(StatusNoChange, res.Status)
	s.Equal(models.PaymentStatusTrial, res.PaymentStatus)

	got, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(acc.Version, got.Version)
	s.Equal(models.AccountStateActive, got.State)
}

func (s *SyncerTestSuite) TestInvalidFactIsNoChange() {
	acc := s.newAccount()
	s.now = day(3)
	fact := s.approved(acc, "p1", day(2), 70000)
	fact.ExternalReference = "another-account"
	s.payments.On("LatestApprovedPayment", mock.Anything, acc.ID).Return(fact, nil)

	res, err := s.syncer.Sync(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(StatusNoChange, res.Status)
	s.Equal(models.PlanTrial, res.Plan)

	got, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Equal(int64(1), got.Version)
}

func (s *SyncerTestSuite) TestUnknownAccount() {
	_, err := s.syncer.Sync(s.ctx, "missing")
	s.True(errors.Is(err, billing.ErrAccountNotFound))
	s.payments.AssertNotCalled(s.T(), "LatestApprovedPayment", mock.Anything, mock.Anything)
}

func TestSyncerSuite(t *testing.T) {
	suite.Run(t, new(SyncerTestSuite))
}
