// Package access turns an account's state and plan into route, tab and product-count
// decisions for the dashboard.
package access

import (
	"context"
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/handlers"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
)

// WarningThreshold is the share of the ceiling at which the dashboard warns.
const WarningThreshold = 0.8

// StatusPath is where denied dashboard requests are sent.
const StatusPath = "/status"

var ErrLimitExceeded = errors.New("product limit reached")

// Verdict is the route decision for an account state.
type Verdict int

const (
	Allow Verdict = iota
	// PayNow denies access but offers self-service payment.
	PayNow
	// Deny denies access with no self-service way back.
	Deny
)

func Decide(state models.AccountState) Verdict {
	switch state {
	case models.AccountStateActive:
		return Allow
	case models.AccountStateBlocked:
		return Deny
	default:
		return PayNow
	}
}

// Usage describes product consumption against the plan ceiling.
type Usage struct {
	Limit     int  `json:"limit"`
	Used      int  `json:"used"`
	CanCreate bool `json:"canCreate"`
	Warning   bool `json:"warning"`
	Percent   int  `json:"percent"`
}

type Tab struct {
	Name    string `json:"name"`
	Visible bool   `json:"visible"`
}

type AccountLoader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	CountProducts(ctx context.Context, accountID string) (int, error)
}

type Gate struct {
	catalog *plans.Catalog
	store   AccountLoader
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewGate(catalog *plans.Catalog, store AccountLoader, log *logger.Logger, m *metrics.Metrics) *Gate {
	return &Gate{catalog: catalog, store: store, log: log.Named("access"), metrics: m}
}

// Ceiling is the product limit of a plan.
func (g *Gate) Ceiling(plan models.Plan) int {
	return g.catalog.Limit(plan)
}

// Usage computes usage figures for a plan with the given product count.
func (g *Gate) Usage(plan models.Plan, used int) Usage {
	limit := g.Ceiling(plan)
	u := Usage{Limit: limit, Used: used, CanCreate: used < limit}
	if limit > 0 {
		u.Warning = float64(used)/float64(limit) >= WarningThreshold
		u.Percent = min(used*100/limit, 100)
	}
	return u
}

// UsageFor counts the account's products and returns its usage.
func (g *Gate) UsageFor(ctx context.Context, acc *models.Account) (Usage, error) {
	used, err := g.store.CountProducts(ctx, acc.ID)
	if err != nil {
		return Usage{}, err
	}
	return g.Usage(acc.Plan, used), nil
}

// CanCreateProduct returns ErrLimitExceeded when the account is at its ceiling.
func (g *Gate) CanCreateProduct(ctx context.Context, acc *models.Account) error {
	u, err := g.UsageFor(ctx, acc)
	if err != nil {
		return err
	}
	if !u.CanCreate {
		return errors.Mark(errors.Newf("plan %s allows %d products", acc.Plan, u.Limit), ErrLimitExceeded)
	}
	return nil
}

// Tabs lists dashboard tabs and whether the account may see each.
func (g *Gate) Tabs(acc *models.Account) []Tab {
	active := Decide(acc.State) == Allow
	return []Tab{
		{Name: "billing", Visible: true},
		{Name: "products", Visible: active},
		{Name: "orders", Visible: active},
		{Name: "analytics", Visible: active && acc.Plan.Rank() >= models.PlanStandard.Rank()},
	}
}

type accountKey struct{}

// AccountFromContext returns the account loaded by the middleware.
func AccountFromContext(ctx context.Context) (*models.Account, bool) {
	acc, ok := ctx.Value(accountKey{}).(*models.Account)
	return acc, ok
}

// WithAccount stores an account in the context.
func WithAccount(ctx context.Context, acc *models.Account) context.Context {
	return context.WithValue(ctx, accountKey{}, acc)
}

type denial struct {
	Error  string              `json:"error"`
	State  models.AccountState `json:"state"`
	PayURL string              `json:"payUrl,omitempty"`
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// Middleware loads the caller's account and lets only active accounts through.
// Must run after auth.RequireSession.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.AccountIDFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		acc, err := g.store.GetAccount(r.Context(), id)
		if errors.Is(err, billing.ErrAccountNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		if err != nil {
			g.log.Errorw("failed to load account", "account_id", id, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		verdict := Decide(acc.State)
		if verdict == Allow {
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), acc)))
			return
		}

		g.metrics.AccessDenied(string(acc.State))
		if wantsJSON(r) {
			body := denial{Error: "account " + string(acc.State), State: acc.State}
			if verdict == PayNow {
				body.PayURL = StatusPath
			}
			if err := handlers.WriteJSON(w, http.StatusForbidden, body); err != nil {
				g.log.Warnw("failed to write access denial", "account_id", acc.ID, "error", err)
			}
			return
		}
		http.Redirect(w, r, StatusPath, http.StatusSeeOther)
	})
}
