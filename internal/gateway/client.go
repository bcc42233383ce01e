// Package gateway talks to the payment provider: payment search, subscription
// (preapproval) lookup and creation.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/models"
)

// Subscription statuses reported by the provider.
const (
	SubscriptionAuthorized = "authorized"
	SubscriptionPending    = "pending"
	SubscriptionPaused     = "paused"
	SubscriptionCancelled  = "cancelled"
)

// ID is a provider identifier. The provider sends some ids as JSON numbers and
// others as strings; both decode to the same value.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid id %s", b)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Payment is one entry of the payment search.
type Payment struct {
	ID                ID              `json:"id"`
	Status            string          `json:"status"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	DateApproved      *time.Time      `json:"date_approved"`
	DateCreated       *time.Time      `json:"date_created"`
	ExternalReference string          `json:"external_reference"`
}

// Fact converts the payment into the engine's input.
func (p Payment) Fact() *models.PaymentFact {
	fact := &models.PaymentFact{
		ID:                p.ID.String(),
		Amount:            p.TransactionAmount,
		Status:            p.Status,
		ExternalReference: p.ExternalReference,
	}
	switch {
	case p.DateApproved != nil:
		fact.PaidAt = p.DateApproved.UTC()
	case p.DateCreated != nil:
		fact.PaidAt = p.DateCreated.UTC()
	}
	return fact
}

type paymentSearch struct {
	Results []Payment `json:"results"`
}

// Subscription is the provider's recurring-charge agreement (preapproval).
type Subscription struct {
	ID                ID     `json:"id"`
	Status            string `json:"status"`
	Reason            string `json:"reason"`
	ExternalReference string `json:"external_reference"`
	PayerEmail        string `json:"payer_email,omitempty"`
	InitPoint         string `json:"init_point,omitempty"`
}

// SubscriptionRequest asks the provider for a new monthly charge.
type SubscriptionRequest struct {
	Reason            string
	ExternalReference string
	PayerEmail        string
	Amount            decimal.Decimal
}

type autoRecurring struct {
	Frequency         int         `json:"frequency"`
	FrequencyType     string      `json:"frequency_type"`
	TransactionAmount json.Number `json:"transaction_amount"`
	CurrencyID        string      `json:"currency_id"`
}

type preapprovalBody struct {
	Reason            string        `json:"reason"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	BackURL           string        `json:"back_url,omitempty"`
	AutoRecurring     autoRecurring `json:"auto_recurring"`
	Status            string        `json:"status"`
}

// Client is the provider HTTP client. Every transport or non-2xx failure is marked
// billing.ErrGatewayUnavailable.
type Client struct {
	http     *retryablehttp.Client
	baseURL  string
	token    string
	backURL  string
	currency string
	log      *logger.Logger
}

func NewClient(cfg config.GatewayConfig, log *logger.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = cfg.Retries
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = cfg.Timeout

	return &Client{
		http:     rc,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.AccessToken,
		backURL:  cfg.BackURL,
		currency: cfg.Currency,
		log:      log.Named("gateway"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var payload any
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
		payload = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warnw("provider request failed", "method", method, "path", path, "error", err)
		return errors.Mark(errors.Wrapf(err, "%s %s", method, path), billing.ErrGatewayUnavailable)
	}
	defer resp.Body.Close()
	c.log.Debugw("provider request", "method", method, "path", path, "status", resp.StatusCode, "took", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Mark(
			errors.Newf("%s %s: provider returned status %d: %s", method, path, resp.StatusCode, snippet),
			billing.ErrGatewayUnavailable)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Mark(errors.Wrapf(err, "decode %s", path), billing.ErrGatewayUnavailable)
	}
	return nil
}

// LatestApprovedPayment returns the newest approved payment whose external reference is
// ref, or nil when the provider has none.
func (c *Client) LatestApprovedPayment(ctx context.Context, ref string) (*models.PaymentFact, error) {
	q := url.Values{}
	q.Set("external_reference", ref)
	q.Set("status", "approved")
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	q.Set("limit", "1")

	var res paymentSearch
	if err := c.do(ctx, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	if len(res.Results) == 0 {
		return nil, nil
	}
	return res.Results[0].Fact(), nil
}

// GetSubscription fetches a preapproval by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(id), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscription registers a monthly charge and returns the provider's checkout link.
func (c *Client) CreateSubscription(ctx context.Context, req SubscriptionRequest) (*Subscription, error) {
	body := preapprovalBody{
		Reason:            req.Reason,
		ExternalReference: req.ExternalReference,
		PayerEmail:        req.PayerEmail,
		BackURL:           c.backURL,
		AutoRecurring: autoRecurring{
			Frequency:         1,
			FrequencyType:     "months",
			TransactionAmount: json.Number(req.Amount.String()),
			CurrencyID:        c.currency,
		},
		Status: SubscriptionPending,
	}
	var sub Subscription
	if err := c.do(ctx, http.MethodPost, "/preapproval", body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}
