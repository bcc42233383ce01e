// Command migrate applies pending schema migrations and prints the schema state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/database"
	"github.com/tiendas-io/subscriptions/internal/logger"
)

func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	log.Infow("opening database", "type", cfg.Database.Type, "path", cfg.Database.Path, "host", cfg.Database.Host)
	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := database.AppliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	versions := make([]int, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, m := range database.GetMigrations(db.Type) {
		status := "pending"
		if applied[m.Version] {
			status = "applied"
		}
		fmt.Printf("%3d  %-8s %s\n", m.Version, status, m.Description)
	}
	log.Infow("schema up to date", "versions", versions)
	return nil
}

func main() {
	configPath := flag.String("config", "app.yml", "Path to configuration file")
	flag.Parse()

	if err := run(context.Background(), *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
