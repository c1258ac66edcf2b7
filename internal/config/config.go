package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/ithrive/reconcile/internal/platform/db"
	"github.com/ithrive/reconcile/internal/platform/rowsource"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMemory   = "memory"
)

type Config struct {
	Env           string `mapstructure:"ENV"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`
	DataDir       string `mapstructure:"DATA_DIR"`
	InputEncoding string `mapstructure:"INPUT_ENCODING"`
	SiteConfig    string `mapstructure:"SITE_CONFIG"`

	StoreDriver     string `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32  `mapstructure:"DB_MIN_CONNS"`
	WarehouseSchema string `mapstructure:"WAREHOUSE_SCHEMA"`
	MigrationsDir   string `mapstructure:"MIGRATIONS_DIR"`
	SQLitePath      string `mapstructure:"SQLITE_PATH"`

	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioPrefix    string `mapstructure:"MINIO_PREFIX"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`
}

var keys = []string{
	"ENV", "LOG_LEVEL", "DATA_DIR", "INPUT_ENCODING", "SITE_CONFIG",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"WAREHOUSE_SCHEMA", "MIGRATIONS_DIR", "SQLITE_PATH",
	"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY",
	"MINIO_BUCKET", "MINIO_PREFIX", "MINIO_USE_SSL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("INPUT_ENCODING", rowsource.UTF8)
	v.SetDefault("STORE_DRIVER", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("WAREHOUSE_SCHEMA", "warehouse")
	v.SetDefault("SQLITE_PATH", "reconcile.db")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(cfg.StoreDriver)
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// UsesBucket reports whether extracts are read from object storage instead
// of DATA_DIR.
func (c *Config) UsesBucket() bool {
	return c.MinioEndpoint != ""
}

// Validate checks that the configuration can run a reconciliation with the
// selected store and input.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StorePostgres)
		}
		if !db.ValidSchema(c.WarehouseSchema) {
			return fmt.Errorf("WAREHOUSE_SCHEMA %q is not a valid schema name", c.WarehouseSchema)
		}
		if c.DBMaxConns < 1 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are out of range", c.DBMinConns, c.DBMaxConns)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", StoreSQLite)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", StorePostgres, StoreSQLite, StoreMemory, c.StoreDriver)
	}

	if _, err := rowsource.ParseEncoding(c.InputEncoding); err != nil {
		return fmt.Errorf("INPUT_ENCODING: %w", err)
	}

	if c.UsesBucket() {
		if c.MinioBucket == "" {
			return fmt.Errorf("MINIO_BUCKET is required when MINIO_ENDPOINT is set")
		}
		if c.MinioAccessKey == "" || c.MinioSecretKey == "" {
			return fmt.Errorf("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
		}
	} else if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required when MINIO_ENDPOINT is not set")
	}
	return nil
}
