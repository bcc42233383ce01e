package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/tiendas-io/subscriptions/internal/api"
	"github.com/tiendas-io/subscriptions/internal/billing"
	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/database"
	"github.com/tiendas-io/subscriptions/internal/gateway"
	"github.com/tiendas-io/subscriptions/internal/logger"
	"github.com/tiendas-io/subscriptions/internal/metrics"
	"github.com/tiendas-io/subscriptions/internal/plans"
	"github.com/tiendas-io/subscriptions/internal/s3"
	"github.com/tiendas-io/subscriptions/internal/store"
)

const version = "0.1.0"

// initializeAPI builds the server and everything it depends on. The returned cleanup
// closes the database and flushes the logger.
func initializeAPI(ctx context.Context, configPath string) (*api.Api, *logger.Logger, func(), error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to build logger")
	}

	catalog, err := plans.FromConfig(cfg.Plans)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "invalid plan table")
	}

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		db.Close()
		log.Sync()
	}

	deps := api.Deps{
		Store:   store.New(db),
		Engine:  billing.NewEngine(billing.DefaultPolicy(), catalog),
		Gateway: gateway.NewClient(cfg.Gateway, log),
		Metrics: metrics.New(),
		Clock:   billing.SystemClock{},
		Logger:  log,
	}
	if cfg.Reports.Enabled() {
		archive, err := s3.NewReportArchive(ctx, cfg.Reports)
		if err != nil {
			cleanup()
			return nil, nil, nil, errors.Wrap(err, "failed to configure report archive")
		}
		deps.Archive = archive
	}

	server, err := api.NewApi(*cfg, deps)
	if err != nil {
		cleanup()
		return nil, nil, nil, err
	}
	return server, log, cleanup, nil
}

func main() {
	configPath := flag.String("config", "app.yml", "Path to configuration file")
	sweepOnce := flag.Bool("sweep-once", false, "Run one sweep and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, log, cleanup, err := initializeAPI(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if *sweepOnce {
		report, _, err := server.RunSweep(ctx, api.TriggerCron)
		if err != nil {
			log.Errorw("sweep failed", "error", err)
			cleanup()
			os.Exit(1)
		}
		log.Infow("sweep done", "checked", report.Checked, "blocked", report.Blocked, "failed", report.Failed)
		return
	}

	log.Infow("starting subscriptions API", "version", version, "config", *configPath)
	if err := server.Serve(ctx); err != nil {
		log.Errorw("server stopped", "error", err)
		cleanup()
		os.Exit(1)
	}
}
