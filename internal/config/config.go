package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. SUBSCRIPTIONS_CRON_SECRET.
const EnvPrefix = "SUBSCRIPTIONS"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Cron     CronConfig     `mapstructure:"cron"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Plans    PlansConfig    `mapstructure:"plans"`
	Reports  ReportsConfig  `mapstructure:"reports"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	PublicURL      string   `mapstructure:"publicURL"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MaxIdle  int    `mapstructure:"maxIdle"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwtSecret"`
	TokenTTL   time.Duration `mapstructure:"tokenTTL"`
	AdminToken string        `mapstructure:"adminToken"`
}

// CronConfig holds the shared secret external schedulers present to the sweep endpoint.
type CronConfig struct {
	Secret string `mapstructure:"secret"`
}

type SweepConfig struct {
	// Schedule is a cron expression for the in-process sweep. Empty disables it.
	Schedule    string `mapstructure:"schedule"`
	Concurrency int    `mapstructure:"concurrency"`
}

type GatewayConfig struct {
	BaseURL     string        `mapstructure:"baseURL"`
	AccessToken string        `mapstructure:"accessToken"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
	BackURL     string        `mapstructure:"backURL"`
	Currency    string        `mapstructure:"currency"`
}

// PlanConfig describes one paid tier. Amount is kept as a string so that it
// round-trips exactly into a decimal.
type PlanConfig struct {
	Limit  int    `mapstructure:"limit"`
	Amount string `mapstructure:"amount"`
	Label  string `mapstructure:"label"`
}

type PlansConfig struct {
	TrialLimit int        `mapstructure:"trialLimit"`
	Basic      PlanConfig `mapstructure:"basic"`
	Standard   PlanConfig `mapstructure:"standard"`
	Premium    PlanConfig `mapstructure:"premium"`
}

type ReportsConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"accessKeyID"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Enabled reports whether sweep reports should be archived.
func (r ReportsConfig) Enabled() bool {
	return r.Bucket != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.publicURL", "http://localhost:8081")
	v.SetDefault("server.allowedOrigins", []string{"http://localhost:*", "http://127.0.0.1:*"})

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "/data/subscriptions.db")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.maxIdle", 5)

	v.SetDefault("auth.tokenTTL", 24*time.Hour)

	v.SetDefault("sweep.schedule", "")
	v.SetDefault("sweep.concurrency", 4)

	v.SetDefault("gateway.baseURL", "https://api.mercadopago.com")
	v.SetDefault("gateway.timeout", 5*time.Second)
	v.SetDefault("gateway.retries", 1)
	v.SetDefault("gateway.currency", "ARS")

	v.SetDefault("plans.trialLimit", 10)
	v.SetDefault("plans.basic.limit", 20)
	v.SetDefault("plans.basic.amount", "50000")
	v.SetDefault("plans.basic.label", "Plan Básico")
	v.SetDefault("plans.standard.limit", 50)
	v.SetDefault("plans.standard.amount", "70000")
	v.SetDefault("plans.standard.label", "Plan Estándar")
	v.SetDefault("plans.premium.limit", 100)
	v.SetDefault("plans.premium.amount", "80000")
	v.SetDefault("plans.premium.label", "Plan Premium")

	v.SetDefault("reports.prefix", "sweeps")
	v.SetDefault("reports.region", "us-east-1")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	// Secrets have no default, but viper only binds environment variables
	// for keys it already knows about.
	for _, key := range []string{
		"database.host", "database.name", "database.user", "database.password",
		"auth.jwtSecret", "auth.adminToken",
		"cron.secret",
		"gateway.accessToken", "gateway.backURL",
		"reports.bucket", "reports.endpoint", "reports.accessKeyID", "reports.secretAccessKey",
	} {
		v.SetDefault(key, "")
	}
}

// LoadConfig loads the configuration from file and environment variables.
// A missing file is not an error: defaults and environment still apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.Host == "" || c.Database.Name == "" {
			return errors.New("database.host and database.name are required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Sweep.Concurrency <= 0 {
		c.Sweep.Concurrency = 1
	}
	if c.Gateway.Timeout <= 0 {
		return errors.New("gateway.timeout must be positive")
	}
	if c.Plans.TrialLimit <= 0 {
		return errors.New("plans.trialLimit must be positive")
	}
	return nil
}
