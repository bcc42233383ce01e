package api

import (
	"context"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/tiendas-io/subscriptions/internal/access"
	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/gateway"
	"github.com/tiendas-io/subscriptions/internal/handlers"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
	"github.com/tiendas-io/subscriptions/internal/syncer"
	"github.com/tiendas-io/subscriptions/internal/webhook"
)

const (
	maxWebhookBody = 1 << 20
	tryAgain       = "payment provider unavailable, try again"
)

// CronSweep runs the sweep for an external scheduler. A client disconnect does not
// abort a sweep in progress.
func (api *Api) CronSweep(w http.ResponseWriter, r *http.Request) {
	report, _, err := api.RunSweep(context.WithoutCancel(r.Context()), TriggerHTTP)
	if err != nil {
		handlers.WriteError(w, http.StatusInternalServerError, "sweep failed")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, report)
}

// ListSweeps returns the most recent sweep runs.
func (api *Api) ListSweeps(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{"runs": api.runs.Recent()})
}

// Sync reconciles the caller's account against the payment provider.
func (api *Api) Sync(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := api.syncer.Sync(r.Context(), id)
	switch {
	case err == nil:
		handlers.WriteJSON(w, http.StatusOK, result)
	case errors.Is(err, billing.ErrAccountNotFound):
		handlers.WriteError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, billing.ErrGatewayUnavailable):
		handlers.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": syncer.StatusNoChange,
			"error":  tryAgain,
		})
	default:
		api.log.Errorw("sync failed", "account_id", id, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "failed to save account")
	}
}

type checkoutRequest struct {
	Plan models.Plan `json:"plan"`
}

type checkoutResponse struct {
	CheckoutURL    string `json:"checkoutUrl"`
	SubscriptionID string `json:"subscriptionId"`
}

// checkoutReason is the charge description sent to the provider. Webhooks infer the
// plan back from it, so it always names the plan.
func checkoutReason(tier plans.Tier) string {
	if plan, ok := webhook.PlanFromReason(tier.Label); ok && plan == tier.Plan {
		return tier.Label
	}
	return "Plan " + string(tier.Plan)
}

// Checkout starts a recurring charge for a paid plan. GET redirects the browser to the
// provider; POST returns the link as JSON.
func (api *Api) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req := checkoutRequest{Plan: models.Plan(r.URL.Query().Get("plan"))}
	if req.Plan == "" && r.Method == http.MethodPost {
		if err := handlers.DecodeJSON(r, &req); err != nil {
			handlers.WriteError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	tier, ok := api.engine.Catalog().Tier(req.Plan)
	if !ok || !tier.Paid() {
		handlers.WriteError(w, http.StatusBadRequest, "unknown plan")
		return
	}

	acc, err := api.store.GetAccount(r.Context(), id)
	if errors.Is(err, billing.ErrAccountNotFound) {
		handlers.WriteError(w, http.StatusNotFound, "account not found")
		return
	}
	if err != nil {
		api.log.Errorw("failed to load account", "account_id", id, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if access.Decide(acc.State) == access.Deny {
		handlers.WriteError(w, http.StatusForbidden, "account blocked")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.Config.Gateway.Timeout)
	defer cancel()
	sub, err := api.gateway.CreateSubscription(ctx, gateway.SubscriptionRequest{
		Reason:            checkoutReason(tier),
		ExternalReference: acc.ID,
		PayerEmail:        acc.Email,
		Amount:            tier.Amount,
	})
	if err == nil && sub.InitPoint == "" {
		err = errors.Mark(errors.New("provider returned no checkout link"), billing.ErrGatewayUnavailable)
	}
	if err != nil {
		api.log.Warnw("checkout failed", "account_id", acc.ID, "plan", tier.Plan, "error", err)
		handlers.WriteError(w, http.StatusServiceUnavailable, tryAgain)
		return
	}

	api.log.Infow("checkout started", "account_id", acc.ID, "plan", tier.Plan, "subscription_id", sub.ID)
	if r.Method == http.MethodGet {
		http.Redirect(w, r, sub.InitPoint, http.StatusSeeOther)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, checkoutResponse{CheckoutURL: sub.InitPoint, SubscriptionID: sub.ID.String()})
}

// Webhook accepts provider notifications. The answer is always 200 so the provider does
// not retry; what happened is logged and counted by the receiver.
func (api *Api) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.log.Warnw("failed to read webhook body", "error", err)
	} else {
		outcome := api.webhooks.Handle(r.Context(), payload)
		api.log.Debugw("webhook handled", "outcome", outcome)
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type limitsResponse struct {
	Plan models.Plan `json:"plan"`
	access.Usage
}

// Limits reports product usage against the plan ceiling.
func (api *Api) Limits(w http.ResponseWriter, r *http.Request) {
	acc, ok := access.AccountFromContext(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	usage, err := api.gate.UsageFor(r.Context(), acc)
	if err != nil {
		api.log.Errorw("failed to compute usage", "account_id", acc.ID, "error", err)
		handlers.WriteError(w, http.StatusInternalServerError, "failed to compute usage")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, limitsResponse{Plan: acc.Plan, Usage: usage})
}

// Tabs reports which dashboard tabs the account may open.
func (api *Api) Tabs(w http.ResponseWriter, r *http.Request) {
	acc, ok := access.AccountFromContext(r.Context())
	if !ok {
		handlers.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{"tabs": api.gate.Tabs(acc)})
}

