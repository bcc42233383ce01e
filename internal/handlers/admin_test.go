package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/database"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
	"github.com/tiendas-io/subscriptions/internal/store"
)

type AdminTestSuite struct {
	suite.Suite
	ctx     context.Context
	db      *database.DB
	store   *store.Store
	engine  *billing.Engine
	tokens  *auth.TokenManager
	now     time.Time
	handler http.Handler
}

func (s *AdminTestSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := database.Open(s.ctx, config.DatabaseConfig{
		Type: database.TypeSQLite,
		Path: filepath.Join(s.T().TempDir(), "admin.db"),
	}, logger.NewNop())
	s.Require().NoError(err)
	s.db = db
	s.store = store.New(db)

	catalog, err := plans.New(
		plans.Tier{Plan: models.PlanTrial, Limit: 10},
		plans.Tier{Plan: models.PlanBasic, Limit: 20, Amount: decimal.NewFromInt(50000)},
	)
	s.Require().NoError(err)
	s.engine = billing.NewEngine(billing.DefaultPolicy(), catalog)
	s.tokens = auth.NewTokenManager("admin-test-secret")
	s.now = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	admin := NewAdmin(s.store, s.engine, s.tokens, time.Hour, billing.ClockFunc(func() time.Time { return s.now }), logger.NewNop(), nil)
	r := chi.NewRouter()
	admin.Register(r)
	s.handler = r
}

func (s *AdminTestSuite) TearDownTest() {
	s.db.Close()
}

func (s *AdminTestSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *AdminTestSuite) createAccount(mutate func(*models.Account)) *models.Account {
	acc := s.engine.NewAccount("Kiosco Central", "kiosco@example.com", s.now)
	if mutate != nil {
		mutate(acc)
	}
	s.Require().NoError(s.store.CreateAccount(s.ctx, acc))
	return acc
}

func (s *AdminTestSuite) decodeState(rec *httptest.ResponseRecorder) stateResponse {
	var resp stateResponse
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (s *AdminTestSuite) TestBlockAndUnblock() {
	acc := s.createAccount(nil)

	rec := s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"block"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	resp := s.decodeState(rec)
	s.Equal("updated", resp.Status)
	s.Equal(models.AccountStateBlocked, resp.Account.State)

	rec = s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"block"}`)
	s.Equal("no-change", s.decodeState(rec).Status)

	rec = s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"unblock"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(models.AccountStateActive, s.decodeState(rec).Account.State)

	events, err := s.store.ListEvents(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(Source, events[1].Source)
	s.Equal(models.AccountStateBlocked, events[1].State)
}

func (s *AdminTestSuite) TestUnblockLockedPaymentStatusStaysSuspended() {
	acc := s.createAccount(func(a *models.Account) {
		a.State = models.AccountStateBlocked
		a.PaymentStatus = models.PaymentStatusToDelete
	})

	rec := s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"unblock"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	s.Equal(models.AccountStateSuspended, s.decodeState(rec).Account.State)
}

func (s *AdminTestSuite) TestUnblockOnlyLeavesBlocked() {
	acc := s.createAccount(func(a *models.Account) {
		a.State = models.AccountStatePending
	})

	rec := s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"unblock"}`)
	s.Require().Equal(http.StatusOK, rec.Code)
	resp := s.decodeState(rec)
	s.Equal("no-change", resp.Status)
	s.Equal(models.AccountStatePending, resp.Account.State)
}

func (s *AdminTestSuite) TestSetStateRejectsBadInput() {
	acc := s.createAccount(nil)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `{"action":"delete"}`).Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/accounts/"+acc.ID+"/state", `not json`).Code)
	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/accounts/missing/state", `{"action":"block"}`).Code)
}

func (s *AdminTestSuite) TestCreateAccount() {
	rec := s.do(http.MethodPost, "/accounts", `{"name":"Librería Norte","email":" Norte@Example.com "}`)
	s.Require().Equal(http.StatusCreated, rec.Code)

	var acc models.Account
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &acc))
	s.Equal("norte@example.com", acc.Email)
	s.Equal(models.AccountStateActive, acc.State)
	s.Equal(models.PaymentStatusTrial, acc.PaymentStatus)
	s.Equal(10, acc.ProductLimit)

	stored, err := s.store.GetAccount(s.ctx, acc.ID)
	s.Require().NoError(err)
	s.True(s.now.AddDate(0, 0, 15).Equal(stored.GetNextPaymentDueAt()))

	s.Equal(http.StatusBadRequest, s.do(http.MethodPost, "/accounts", `{"name":"X","email":"not-an-email"}`).Code)
}

func (s *AdminTestSuite) TestListAndGet() {
	a := s.createAccount(nil)
	s.createAccount(func(acc *models.Account) { acc.State = models.AccountStateBlocked })

	rec := s.do(http.MethodGet, "/accounts?state=blocked", "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var list struct {
		Accounts []models.Account `json:"accounts"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	s.Len(list.Accounts, 1)

	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/accounts?state=frozen", "").Code)
	s.Equal(http.StatusBadRequest, s.do(http.MethodGet, "/accounts?limit=-1", "").Code)

	rec = s.do(http.MethodGet, "/accounts?limit=1", "")
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &list))
	s.Len(list.Accounts, 1)

	rec = s.do(http.MethodGet, "/accounts/"+a.ID, "")
	s.Require().Equal(http.StatusOK, rec.Code)
	var detail struct {
		Account models.Account        `json:"account"`
		Events  []models.BillingEvent `json:"events"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &detail))
	s.Equal(a.ID, detail.Account.ID)
	s.Len(detail.Events, 1)

	rec = s.do(http.MethodGet, "/stats", "")
	var stats struct {
		Total  int            `json:"total"`
		States map[string]int `json:"states"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &stats))
	s.Equal(2, stats.Total)
	s.Equal(1, stats.States["blocked"])
}

func (s *AdminTestSuite) TestIssueToken() {
	acc := s.createAccount(nil)
	rec := s.do(http.MethodPost, "/accounts/"+acc.ID+"/token", "")
	s.Require().Equal(http.StatusOK, rec.Code)

	var body struct {
		Token string `json:"token"`
	}
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	claims, err := s.tokens.ValidateToken(body.Token)
	s.Require().NoError(err)
	s.Equal(acc.ID, claims.AccountID)

	s.Equal(http.StatusNotFound, s.do(http.MethodPost, "/accounts/missing/token", "").Code)
}

func TestAdminSuite(t *testing.T) {
	suite.Run(t, new(AdminTestSuite))
}

func TestNextState(t *testing.T) {
	tests := []struct {
		action string
		state  models.AccountState
		status models.PaymentStatus
		want   models.AccountState
	}{
		{ActionBlock, models.AccountStateActive, models.PaymentStatusAuthorized, models.AccountStateBlocked},
		{ActionUnblock, models.AccountStateBlocked, models.PaymentStatusAuthorized, models.AccountStateActive},
		{ActionUnblock, models.AccountStateBlocked, models.PaymentStatusGracePeriod, models.AccountStateActive},
		{ActionUnblock, models.AccountStateBlocked, models.PaymentStatusSuspended, models.AccountStateSuspended},
		{ActionUnblock, models.AccountStateSuspended, models.PaymentStatusSuspended, models.AccountStateSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.action+"/"+string(tt.state)+"/"+string(tt.status), func(t *testing.T) {
			got, err := nextState(tt.action, &models.Account{State: tt.state, PaymentStatus: tt.status})
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := nextState("archive", &models.Account{})
	assert.Error(t, err)
}
