package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/store"
)

// Source tags writes made through the admin surface.
const Source = "admin"

const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type AccountStore interface {
	CreateAccount(ctx context.Context, acc *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context, limit int) ([]*models.Account, error)
	ListAccountsByState(ctx context.Context, state models.AccountState) ([]*models.Account, error)
	ListEvents(ctx context.Context, accountID string) ([]models.BillingEvent, error)
	CountAccountsByState(ctx context.Context) (map[models.AccountState]int, error)
	Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn store.MutateFunc) (*models.Account, bool, error)
}

// Admin serves operator endpoints. Callers are authenticated by the router.
type Admin struct {
	store    AccountStore
	engine   *billing.Engine
	tokens   *auth.TokenManager
	tokenTTL time.Duration
	clock    billing.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
}

func NewAdmin(st AccountStore, engine *billing.Engine, tokens *auth.TokenManager, tokenTTL time.Duration, clock billing.Clock, log *logger.Logger, m *metrics.Metrics) *Admin {
	return &Admin{
		store:    st,
		engine:   engine,
		tokens:   tokens,
		tokenTTL: tokenTTL,
		clock:    clock,
		log:      log.Named("admin"),
		metrics:  m,
	}
}

// Register adds the admin routes to r. The caller mounts it under /admin behind the
// admin token.
func (h *Admin) Register(r chi.Router) {
	r.Get("/stats", h.Stats)
	r.Get("/accounts", h.ListAccounts)
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{id}", h.GetAccount)
	r.Post("/accounts/{id}/state", h.SetState)
	r.Post("/accounts/{id}/token", h.IssueToken)
}

type stateRequest struct {
	Action string `json:"action"`
}

type stateResponse struct {
	Status  string          `json:"status"`
	Account *models.Account `json:"account"`
}

// nextState computes where an admin action takes an account. Unblocking never lands on
// active while the payment status is suspended or to_delete.
func nextState(action string, acc *models.Account) (models.AccountState, error) {
	switch action {
	case ActionBlock:
		return models.AccountStateBlocked, nil
	case ActionUnblock:
		if acc.State != models.AccountStateBlocked {
			return acc.State, nil
		}
		return billing.DeriveState(models.AccountStateActive, acc.PaymentStatus), nil
	default:
		return "", errors.Newf("unknown action %q", action)
	}
}

// SetState blocks or unblocks an account.
func (h *Admin) SetState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stateRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Action != ActionBlock && req.Action != ActionUnblock {
		WriteError(w, http.StatusBadRequest, "action must be block or unblock")
		return
	}

	acc, written, err := h.store.Mutate(r.Context(), id, Source, store.DefaultAttempts, h.clock.Now(), func(acc *models.Account) (bool, error) {
		next, err := nextState(req.Action, acc)
		if err != nil {
			return false, err
		}
		if next == acc.State {
			return false, nil
		}
		acc.State = next
		return true, nil
	})
	if errors.Is(err, billing.ErrAccountNotFound) {
		WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.log.Errorw("failed to change account state", "account_id", id, "action", req.Action, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to update account")
		return
	}

	status := "no-change"
	if written {
		status = "updated"
		h.metrics.AccountWritten(Source, string(acc.PaymentStatus))
		h.log.Infow("account state changed", "account_id", id, "action", req.Action, "state", acc.State)
	}
	WriteJSON(w, http.StatusOK, stateResponse{Status: status, Account: acc})
}

type createRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateAccount registers a commerce on a fresh trial.
func (h *Admin) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if !auth.ValidateAccountName(req.Name) {
		WriteError(w, http.StatusBadRequest, "invalid name")
		return
	}
	if !auth.ValidateEmail(req.Email) {
		WriteError(w, http.StatusBadRequest, "invalid email")
		return
	}

	acc := h.engine.NewAccount(req.Name, req.Email, h.clock.Now())
	if err := h.store.CreateAccount(r.Context(), acc); err != nil {
		h.log.Errorw("failed to create account", "email", req.Email, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to create account")
		return
	}
	h.log.Infow("account created", "account_id", acc.ID)
	WriteJSON(w, http.StatusCreated, acc)
}

// ListAccounts lists accounts, optionally filtered by ?state=.
func (h *Admin) ListAccounts(w http.ResponseWriter, r *http.Request) {
	var (
		accounts []*models.Account
		err      error
	)
	if state := models.AccountState(r.URL.Query().Get("state")); state != "" {
		if !state.Valid() {
			WriteError(w, http.StatusBadRequest, "unknown state")
			return
		}
		accounts, err = h.store.ListAccountsByState(r.Context(), state)
	} else {
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, convErr := strconv.Atoi(raw)
			if convErr != nil || n <= 0 {
				WriteError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = min(n, maxListLimit)
		}
		accounts, err = h.store.ListAccounts(r.Context(), limit)
	}
	if err != nil {
		h.log.Errorw("failed to list accounts", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to list accounts")
		return
	}
	if accounts == nil {
		accounts = []*models.Account{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"accounts": accounts})
}

// GetAccount returns one account with its billing events.
func (h *Admin) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, err := h.store.GetAccount(r.Context(), id)
	if errors.Is(err, billing.ErrAccountNotFound) {
		WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.log.Errorw("failed to get account", "account_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	events, err := h.store.ListEvents(r.Context(), id)
	if err != nil {
		h.log.Errorw("failed to list billing events", "account_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to get account")
		return
	}
	if events == nil {
		events = []models.BillingEvent{}
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"account": acc, "events": events})
}

// IssueToken mints a dashboard session token for an account.
func (h *Admin) IssueToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, err := h.store.GetAccount(r.Context(), id)
	if errors.Is(err, billing.ErrAccountNotFound) {
		WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		h.log.Errorw("failed to get account", "account_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	token, err := h.tokens.GenerateToken(acc.ID, acc.Email, h.tokenTTL)
	if err != nil {
		h.log.Errorw("failed to sign token", "account_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": h.clock.Now().Add(h.tokenTTL),
	})
}

// Stats reports account counts per state.
func (h *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.CountAccountsByState(r.Context())
	if err != nil {
		h.log.Errorw("failed to count accounts", "error", err)
		WriteError(w, http.StatusInternalServerError, "failed to fetch account statistics")
		return
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"total": total, "states": counts})
}
