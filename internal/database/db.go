package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tiendas-io/subscriptions/internal/config"
	"github.com/tiendas-io/subscriptions/internal/logger"
)

const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
)

// DB is an open connection pool that remembers which dialect it speaks.
type DB struct {
	*sql.DB
	Type string
}

// Open connects to the configured database and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*DB, error) {
	var (
		sqlDB *sql.DB
		err   error
	)
	switch cfg.Type {
	case TypePostgres:
		sqlDB, err = openPostgreSQL(cfg, log)
	case TypeSQLite, "":
		cfg.Type = TypeSQLite
		sqlDB, err = openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: sqlDB, Type: cfg.Type}
	if err := RunMigrations(ctx, db, log); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Infow("database initialized", "type", db.Type)
	return db, nil
}

func openPostgreSQL(cfg config.DatabaseConfig, log *logger.Logger) (*sql.DB, error) {
	log.Infow("connecting to PostgreSQL", "host", cfg.Host, "port", cfg.Port, "database", cfg.Name, "user", cfg.User)

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host,
		cfg.Port,
		cfg.User,
		cfg.Password,
		cfg.Name,
		cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

func openSQLite(cfg config.DatabaseConfig, log *logger.Logger) (*sql.DB, error) {
	dataDir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", cfg.Path)
	log.Infow("opening SQLite database", "path", cfg.Path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Rebind rewrites ? placeholders into $n when talking to PostgreSQL.
func (db *DB) Rebind(query string) string {
	if db.Type != TypePostgres {
		return query
	}
	var (
		b strings.Builder
		n int
	)
	b.Grow(len(query) + 8)
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
