// Package webhook applies provider subscription notifications to accounts. Its writes
// are provisional: the sweep and the sync driver recompute the full decision later.
package webhook

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/patrickmn/go-cache"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/gateway"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
	"github.com/tiendas-io/subscriptions/internal/store"
)

const Source = "webhook"

// DedupeWindow is how long a delivered notification is remembered.
const DedupeWindow = 10 * time.Minute

// Outcome says what happened to one notification. The HTTP answer is the same for all.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeNoChange     Outcome = "no_change"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeInvalid      Outcome = "invalid"
	OutcomeUnmatched    Outcome = "unmatched"
	OutcomeLookupFailed Outcome = "lookup_failed"
	OutcomeFailed       Outcome = "failed"
)

// Notification is the provider's webhook body. Only data.id is guaranteed; the rest is
// fetched from the provider when missing.
type Notification struct {
	ID     gateway.ID `json:"id"`
	Type   string     `json:"type"`
	Action string     `json:"action"`
	Data   struct {
		ID gateway.ID `json:"id"`
	} `json:"data"`
	ExternalReference string `json:"external_reference"`
	Reason            string `json:"reason"`
	Status            string `json:"status"`
}

func (n *Notification) dedupeKey() string {
	if n.ID != "" {
		return "id:" + n.ID.String()
	}
	return n.Type + ":" + n.Data.ID.String() + ":" + n.Action
}

func (n *Notification) complete() bool {
	return n.ExternalReference != "" && n.Status != ""
}

var subscriptionTypes = map[string]bool{
	"":                         true,
	"preapproval":              true,
	"subscription_preapproval": true,
}

var reasonPlans = []struct {
	plan models.Plan
	re   *regexp.Regexp
}{
	{models.PlanPremium, regexp.MustCompile(`(?i)premium`)},
	{models.PlanStandard, regexp.MustCompile(`(?i)standard|est[aá]ndar`)},
	{models.PlanBasic, regexp.MustCompile(`(?i)basic|b[aá]sico`)},
}

// PlanFromReason infers the plan named in a subscription's free-text reason.
func PlanFromReason(reason string) (models.Plan, bool) {
	for _, rp := range reasonPlans {
		if rp.re.MatchString(reason) {
			return rp.plan, true
		}
	}
	return "", false
}

type SubscriptionSource interface {
	GetSubscription(ctx context.Context, id string) (*gateway.Subscription, error)
}

type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error)
	Mutate(ctx context.Context, id, source string, attempts int, at time.Time, fn store.MutateFunc) (*models.Account, bool, error)
}

type Receiver struct {
	store   AccountStore
	subs    SubscriptionSource
	catalog *plans.Catalog
	clock   billing.Clock
	seen    *cache.Cache
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewReceiver(st AccountStore, subs SubscriptionSource, catalog *plans.Catalog, clock billing.Clock, log *logger.Logger, m *metrics.Metrics) *Receiver {
	return &Receiver{
		store:   st,
		subs:    subs,
		catalog: catalog,
		clock:   clock,
		seen:    cache.New(DedupeWindow, 2*DedupeWindow),
		log:     log.Named("webhook"),
		metrics: m,
	}
}

// Handle processes one raw notification. It never returns an error: every failure is
// logged and reported through the Outcome.
func (r *Receiver) Handle(ctx context.Context, payload []byte) Outcome {
	outcome := r.handle(ctx, payload)
	r.metrics.WebhookOutcome(string(outcome))
	return outcome
}

func (r *Receiver) handle(ctx context.Context, payload []byte) Outcome {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		r.log.Warnw("unparseable notification", "error", err)
		return OutcomeInvalid
	}
	if n.Data.ID == "" {
		r.log.Warnw("notification without data.id", "type", n.Type, "action", n.Action)
		return OutcomeInvalid
	}
	if !subscriptionTypes[n.Type] {
		r.log.Debugw("ignoring notification", "type", n.Type, "data_id", n.Data.ID)
		return OutcomeIgnored
	}

	key := n.dedupeKey()
	if err := r.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		r.log.Debugw("duplicate notification", "key", key)
		return OutcomeDuplicate
	}

	outcome := r.apply(ctx, &n)
	if outcome == OutcomeLookupFailed || outcome == OutcomeFailed {
		// Let a redelivery try again.
		r.seen.Delete(key)
	}
	return outcome
}

func (r *Receiver) apply(ctx context.Context, n *Notification) Outcome {
	subID := n.Data.ID.String()

	if !n.complete() {
		sub, err := r.subs.GetSubscription(ctx, subID)
		if err != nil {
			r.log.Warnw("subscription lookup failed", "subscription_id", subID, "error", err)
			return OutcomeLookupFailed
		}
		if n.ExternalReference == "" {
			n.ExternalReference = sub.ExternalReference
		}
		if n.Status == "" {
			n.Status = sub.Status
		}
		if n.Reason == "" {
			n.Reason = sub.Reason
		}
	}

	acc, err := r.correlate(ctx, n.ExternalReference, subID)
	if errors.Is(err, billing.ErrAccountNotFound) {
		r.log.Infow("no account for notification", "subscription_id", subID, "external_reference", n.ExternalReference)
		return OutcomeUnmatched
	}
	if err != nil {
		r.log.Errorw("account lookup failed", "subscription_id", subID, "error", err)
		return OutcomeFailed
	}

	stored, written, err := r.store.Mutate(ctx, acc.ID, Source, store.DefaultAttempts, r.clock.Now(), r.update(subID, n.Status, n.Reason))
	if err != nil {
		r.log.Errorw("failed to record notification", "account_id", acc.ID, "error", err)
		return OutcomeFailed
	}
	if !written {
		return OutcomeNoChange
	}

	r.metrics.AccountWritten(Source, string(stored.PaymentStatus))
	r.log.Infow("subscription notification applied",
		"account_id", stored.ID,
		"subscription_id", subID,
		"status", n.Status,
		"plan", stored.Plan,
	)
	return OutcomeProcessed
}

func (r *Receiver) correlate(ctx context.Context, ref, subID string) (*models.Account, error) {
	if ref != "" {
		acc, err := r.store.GetAccount(ctx, ref)
		if err == nil || !errors.Is(err, billing.ErrAccountNotFound) {
			return acc, err
		}
	}
	return r.store.GetAccountBySubscriptionID(ctx, subID)
}

// update never touches state and never lowers the plan.
func (r *Receiver) update(subID, status, reason string) store.MutateFunc {
	return func(acc *models.Account) (bool, error) {
		changed := false
		if acc.GetLastKnownSubscriptionID() != subID {
			id := subID
			acc.LastKnownSubscriptionID = &id
			changed = true
		}
		if status != gateway.SubscriptionAuthorized {
			return changed, nil
		}

		if acc.PaymentStatus != models.PaymentStatusAuthorized {
			acc.PaymentStatus = models.PaymentStatusAuthorized
			changed = true
		}
		plan, ok := PlanFromReason(reason)
		if !ok {
			r.log.Infow("subscription reason names no plan", "account_id", acc.ID, "reason", reason)
			return changed, nil
		}
		if plan.Rank() > acc.Plan.Rank() {
			acc.Plan = plan
			acc.ProductLimit = r.catalog.Limit(plan)
			changed = true
		}
		return changed, nil
	}
}
