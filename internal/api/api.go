// Package api wires the billing drivers, the access gate and the admin surface into one
// HTTP server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/robfig/cron/v3"

	"github.com/tiendas-io/subscriptions/internal/access"
	"github.com/tiendas-io/subscriptions/internal/auth"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/gateway"
	"github.com/tiendas-io/subscriptions/internal/handlers"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/portal"
	"github.com/tiendas-io/subscriptions/internal/store"
	"github.com/tiendas-io/subscriptions/internal/sweep"
	"github.com/tiendas-io/subscriptions/internal/syncer"
	"github.com/tiendas-io/subscriptions/internal/webhook"
)

const (
	shutdownTimeout = 10 * time.Second
	keptSweepRuns   = 30
)

// Deps are the long-lived collaborators built by main.
type Deps struct {
	Store   *store.Store
	Engine  *billing.Engine
	Gateway *gateway.Client
	Archive sweep.Archiver // optional
	Metrics *metrics.Metrics
	Clock   billing.Clock
	Logger  *logger.Logger
}

type Api struct {
	Config config.Config
	Router *chi.Mux

	log      *logger.Logger
	clock    billing.Clock
	store    *store.Store
	engine   *billing.Engine
	gateway  *gateway.Client
	tokens   *auth.TokenManager
	metrics  *metrics.Metrics
	sweeper  *sweep.Sweeper
	syncer   *syncer.Syncer
	webhooks *webhook.Receiver
	gate     *access.Gate
	portal   *portal.Portal
	admin    *handlers.Admin
	runs     *RunLog

	sweepMu sync.Mutex
}

func NewApi(cfg config.Config, deps Deps) (*Api, error) {
	if cfg.Server.Port <= 0 {
		return nil, errors.New("must have at least a port to start API")
	}
	if deps.Store == nil || deps.Engine == nil || deps.Gateway == nil {
		return nil, errors.New("store, engine and gateway are required")
	}
	if deps.Clock == nil {
		deps.Clock = billing.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	log := deps.Logger.Named("api")
	if cfg.Auth.JWTSecret == "" {
		log.Warn("auth.jwtSecret is empty; every dashboard session will be rejected")
	}

	catalog := deps.Engine.Catalog()
	tokens := auth.NewTokenManager(cfg.Auth.JWTSecret)

	sweepOpts := []sweep.Option{
		sweep.WithConcurrency(cfg.Sweep.Concurrency),
		sweep.WithMetrics(deps.Metrics),
	}
	if deps.Archive != nil {
		sweepOpts = append(sweepOpts, sweep.WithArchiver(deps.Archive))
	}

	statusPage, err := portal.New(deps.Store, catalog, cfg.Server.PublicURL, deps.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load status page")
	}

	api := &Api{
		Config:   cfg,
		Router:   chi.NewRouter(),
		log:      log,
		clock:    deps.Clock,
		store:    deps.Store,
		engine:   deps.Engine,
		gateway:  deps.Gateway,
		tokens:   tokens,
		metrics:  deps.Metrics,
		sweeper:  sweep.New(deps.Store, deps.Engine, deps.Clock, deps.Logger, sweepOpts...),
		syncer:   syncer.New(deps.Store, deps.Gateway, deps.Engine, deps.Clock, cfg.Gateway.Timeout, deps.Logger, deps.Metrics),
		webhooks: webhook.NewReceiver(deps.Store, deps.Gateway, catalog, deps.Clock, deps.Logger, deps.Metrics),
		gate:     access.NewGate(catalog, deps.Store, deps.Logger, deps.Metrics),
		portal:   statusPage,
		admin:    handlers.NewAdmin(deps.Store, deps.Engine, tokens, cfg.Auth.TokenTTL, deps.Clock, deps.Logger, deps.Metrics),
		runs:     NewRunLog(keptSweepRuns),
	}

	api.setupRoutes()
	return api, nil
}

func (api *Api) setupRoutes() {
	r := api.Router

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   api.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(api.log))
	r.Use(middleware.Recoverer)

	r.Get("/heartbeat", handlers.Heartbeat)
	r.Handle("/metrics", api.metrics.Handler())

	r.With(auth.RequireBearerSecret(api.Config.Cron.Secret)).Post("/cron/sweep", api.CronSweep)
	r.Post("/webhooks/payments", api.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireSession(api.tokens))

		r.Post("/billing/sync", api.Sync)
		r.Get("/billing/checkout", api.Checkout)
		r.Post("/billing/checkout", api.Checkout)
		r.Get(access.StatusPath, api.portal.HandleStatus)

		r.Group(func(r chi.Router) {
			r.Use(api.gate.Middleware)
			r.Get("/dashboard/limits", api.Limits)
			r.Get("/dashboard/tabs", api.Tabs)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireBearerSecret(api.Config.Auth.AdminToken))
		api.admin.Register(r)
		r.Get("/sweeps", api.ListSweeps)
	})
}

// RunSweep runs one sweep and records it in the run log. Runs never overlap.
func (api *Api) RunSweep(ctx context.Context, trigger string) (*sweep.Report, string, error) {
	api.sweepMu.Lock()
	defer api.sweepMu.Unlock()

	id := api.runs.Start(trigger, api.clock.Now())
	report, err := api.sweeper.Run(ctx)
	api.runs.Finish(id, report, err, api.clock.Now())
	if err != nil {
		api.log.Errorw("sweep failed", "run_id", id, "trigger", trigger, "error", err)
	}
	return report, id, err
}

// newScheduler returns the in-process sweep schedule, or nil when none is configured.
func (api *Api) newScheduler() (*cron.Cron, error) {
	schedule := api.Config.Sweep.Schedule
	if schedule == "" {
		return nil, nil
	}
	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(schedule, func() {
		api.RunSweep(context.Background(), TriggerCron)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "invalid sweep schedule %q", schedule)
	}
	return c, nil
}

// Serve listens until ctx is cancelled, then drains in-flight requests.
func (api *Api) Serve(ctx context.Context) error {
	scheduler, err := api.newScheduler()
	if err != nil {
		return err
	}
	if scheduler != nil {
		scheduler.Start()
		api.log.Infow("in-process sweep scheduled", "schedule", api.Config.Sweep.Schedule)
		defer func() { <-scheduler.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%d", api.Config.Server.Port),
		Handler:           api.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		api.log.Infow("starting API server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "server failed")
	case <-ctx.Done():
	}

	api.log.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
