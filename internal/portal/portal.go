// Package portal renders the account status page the access gate redirects to.
package portal

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/skip2/go-qrcode"

	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/models"
	"github.com/tiendas-io/subscriptions/internal/plans"
)

//go:embed templates/*.html
var templateFS embed.FS

// QRSize is the side length of generated pay-now codes in pixels.
const QRSize = 256

type AccountLoader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// PayOption is one plan the account can pay for from the status page.
type PayOption struct {
	Plan        models.Plan
	Label       string
	Amount      string
	CheckoutURL string
	QR          string // base64 PNG
}

type Portal struct {
	templates map[string]*template.Template
	store     AccountLoader
	catalog   *plans.Catalog
	publicURL string
	log       *logger.Logger
}

func New(store AccountLoader, catalog *plans.Catalog, publicURL string, log *logger.Logger) (*Portal, error) {
	templates := make(map[string]*template.Template)

	pages, err := fs.Glob(templateFS, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list templates")
	}

	for _, page := range pages {
		name := strings.TrimPrefix(page, "templates/")
		if name == "base.html" {
			continue
		}
		ts, err := template.ParseFS(templateFS, "templates/base.html", page)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse template %s", name)
		}
		templates[name] = ts
	}

	return &Portal{
		templates: templates,
		store:     store,
		catalog:   catalog,
		publicURL: strings.TrimRight(publicURL, "/"),
		log:       log.Named("portal"),
	}, nil
}

// PaymentQR encodes target as a PNG QR code and returns it base64 encoded for inline HTML.
func PaymentQR(target string) (string, error) {
	png, err := qrcode.Encode(target, qrcode.Medium, QRSize)
	if err != nil {
		return "", errors.Wrap(err, "failed to generate QR code")
	}
	return base64.StdEncoding.EncodeToString(png), nil
}

// CheckoutURL is the absolute link that starts a checkout for plan.
func (p *Portal) CheckoutURL(plan models.Plan) string {
	return p.publicURL + "/billing/checkout?plan=" + url.QueryEscape(string(plan))
}

// PayOptions lists the paid tiers with their checkout links and QR codes.
func (p *Portal) PayOptions() ([]PayOption, error) {
	var options []PayOption
	for _, tier := range p.catalog.PaidTiers() {
		link := p.CheckoutURL(tier.Plan)
		qr, err := PaymentQR(link)
		if err != nil {
			return nil, err
		}
		options = append(options, PayOption{
			Plan:        tier.Plan,
			Label:       tier.Label,
			Amount:      tier.Amount.StringFixed(2),
			CheckoutURL: link,
			QR:          qr,
		})
	}
	return options, nil
}

// HandleStatus renders the caller's account status. Blocked accounts get no pay-now options.
func (p *Portal) HandleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.AccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	acc, err := p.store.GetAccount(r.Context(), id)
	if errors.Is(err, billing.ErrAccountNotFound) {
		http.Error(w, "account not found", http.StatusNotFound)
		return
	}
	if err != nil {
		p.log.Errorw("failed to load account", "account_id", id, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data := map[string]interface{}{
		"Account": acc,
		"CanPay":  acc.State != models.AccountStateBlocked,
		"Active":  acc.State == models.AccountStateActive,
	}
	if due := acc.GetNextPaymentDueAt(); !due.IsZero() {
		data["DueAt"] = due.Format("2006-01-02")
	}
	if acc.State != models.AccountStateBlocked {
		options, err := p.PayOptions()
		if err != nil {
			p.log.Errorw("failed to build pay options", "account_id", id, "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		data["Options"] = options
	}

	p.renderTemplate(w, "status.html", "Account status", data)
}

func (p *Portal) renderTemplate(w http.ResponseWriter, name, title string, data map[string]interface{}) {
	ts, ok := p.templates[name]
	if !ok {
		p.log.Errorw("template not found", "template", name)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	data["Title"] = title

	var buf bytes.Buffer
	if err := ts.ExecuteTemplate(&buf, "base.html", data); err != nil {
		p.log.Errorw("failed to execute template", "template", name, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}
