package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/tiendas-io/subscriptions/internal/logger"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all database migrations
func GetMigrations(dbType string) []Migration {
	if dbType == TypePostgres {
		return getPostgresMigrations()
	}
	return getSQLiteMigrations()
}

func getPostgresMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts table",
			SQL: `CREATE TABLE IF NOT EXISTS accounts (
				id VARCHAR(36) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL,
				state VARCHAR(20) NOT NULL,
				payment_status VARCHAR(20) NOT NULL,
				plan VARCHAR(20) NOT NULL,
				product_limit INTEGER NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				next_payment_due_at TIMESTAMP WITH TIME ZONE,
				last_known_subscription_id VARCHAR(255),
				version BIGINT NOT NULL DEFAULT 1,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_by VARCHAR(20) NOT NULL DEFAULT ''
			)`,
		},
		{
			Version:     2,
			Description: "Add payment history to accounts",
			SQL: `ALTER TABLE accounts ADD COLUMN IF NOT EXISTS last_payment_id VARCHAR(255);
				ALTER TABLE accounts ADD COLUMN IF NOT EXISTS last_payment_at TIMESTAMP WITH TIME ZONE;
				ALTER TABLE accounts ADD COLUMN IF NOT EXISTS last_payment_amount NUMERIC(14,2)`,
		},
		{
			Version:     3,
			Description: "Create billing_events table",
			SQL: `CREATE TABLE IF NOT EXISTS billing_events (
				id VARCHAR(36) PRIMARY KEY,
				account_id VARCHAR(36) NOT NULL REFERENCES accounts(id),
				source VARCHAR(20) NOT NULL,
				state VARCHAR(20) NOT NULL,
				payment_status VARCHAR(20) NOT NULL,
				plan VARCHAR(20) NOT NULL,
				version BIGINT NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     4,
			Description: "Create products table",
			SQL: `CREATE TABLE IF NOT EXISTS products (
				id VARCHAR(36) PRIMARY KEY,
				account_id VARCHAR(36) NOT NULL REFERENCES accounts(id),
				name VARCHAR(255) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`,
		},
		{
			Version:     5,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_accounts_state ON accounts(state);
				CREATE INDEX IF NOT EXISTS idx_accounts_subscription ON accounts(last_known_subscription_id);
				CREATE INDEX IF NOT EXISTS idx_billing_events_account ON billing_events(account_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id)`,
		},
	}
}

func getSQLiteMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create accounts table",
			SQL: `CREATE TABLE IF NOT EXISTS accounts (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				email TEXT NOT NULL,
				state TEXT NOT NULL,
				payment_status TEXT NOT NULL,
				plan TEXT NOT NULL,
				product_limit INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				next_payment_due_at DATETIME,
				last_known_subscription_id TEXT,
				version INTEGER NOT NULL DEFAULT 1,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_by TEXT NOT NULL DEFAULT ''
			)`,
		},
		{
			Version:     2,
			Description: "Add payment history to accounts",
			SQL: `ALTER TABLE accounts ADD COLUMN last_payment_id TEXT;
				ALTER TABLE accounts ADD COLUMN last_payment_at DATETIME;
				ALTER TABLE accounts ADD COLUMN last_payment_amount TEXT`,
		},
		{
			Version:     3,
			Description: "Create billing_events table",
			SQL: `CREATE TABLE IF NOT EXISTS billing_events (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				source TEXT NOT NULL,
				state TEXT NOT NULL,
				payment_status TEXT NOT NULL,
				plan TEXT NOT NULL,
				version INTEGER NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
		{
			Version:     4,
			Description: "Create products table",
			SQL: `CREATE TABLE IF NOT EXISTS products (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL REFERENCES accounts(id),
				name TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		},
		{
			Version:     5,
			Description: "Create indexes",
			SQL: `CREATE INDEX IF NOT EXISTS idx_accounts_state ON accounts(state);
				CREATE INDEX IF NOT EXISTS idx_accounts_subscription ON accounts(last_known_subscription_id);
				CREATE INDEX IF NOT EXISTS idx_billing_events_account ON billing_events(account_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_products_account ON products(account_id)`,
		},
	}
}

func createMigrationsTable(ctx context.Context, db *DB) error {
	query := `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
	if db.Type == TypePostgres {
		query = `CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`
	}
	_, err := db.ExecContext(ctx, query)
	return err
}

// AppliedMigrations returns the set of applied migration versions
func AppliedMigrations(ctx context.Context, db *DB) (map[int]bool, error) {
	applied := make(map[int]bool)

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return applied, err
	}
	defer rows.Close()

	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return applied, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// RunMigrations applies every pending migration, each inside its own transaction.
func RunMigrations(ctx context.Context, db *DB, log *logger.Logger) error {
	if err := createMigrationsTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := AppliedMigrations(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range GetMigrations(db.Type) {
		if applied[migration.Version] {
			continue
		}
		log.Infow("applying migration", "version", migration.Version, "description", migration.Description)

		if err := applyMigration(ctx, db, migration); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *DB, migration Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
	}
	defer tx.Rollback()

	for _, stmt := range strings.Split(migration.SQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	if _, err := tx.ExecContext(ctx, db.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), migration.Version); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
	}
	return tx.Commit()
}
