/*
Package config loads server configuration.

SOURCES (later wins):
  1. defaults below
  2. optional config file (config.yaml in . or ./config, or -config path)
  3. optional .env file, loaded into the process environment
  4. environment variables with prefix FEELEDGER_, dots replaced by
     underscores (FEELEDGER_DATABASE_DSN, FEELEDGER_LEDGER_DUE_DAY)

KEYS:
  server.port             HTTP port (8080)
  database.driver         sqlite3 | postgres | memory (sqlite3)
  database.dsn            file path or connection URL (fees.db)
  ledger.due_day          day of month obligations fall due (10)
  ledger.lock_timeout     wait for a busy fee record (5s)
  ledger.max_retries      contention retries before failing (3)
  ledger.retry_backoff    base backoff between retries (50ms)
  ledger.batch_concurrency parallel students during enrollment (4)
  ledger.late_fee         late fee recorded when a month turns overdue (0)
  scheduler.enabled       run the overdue sweep on a schedule (true)
  scheduler.overdue_spec  cron spec for the sweep (@daily)
  log.level               debug | info | warn | error (info)
  log.development         human-readable console logs (false)
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/fee-ledger/ledger"
)

const EnvPrefix = "FEELEDGER"

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Ledger    ledger.Config
	Scheduler SchedulerConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type SchedulerConfig struct {
	Enabled     bool
	OverdueSpec string
}

type LogConfig struct {
	Level       string
	Development bool
}

func setDefaults(v *viper.Viper) {
	d := ledger.DefaultConfig()
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "fees.db")
	v.SetDefault("ledger.due_day", d.DueDay)
	v.SetDefault("ledger.lock_timeout", d.LockTimeout)
	v.SetDefault("ledger.max_retries", d.MaxRetries)
	v.SetDefault("ledger.retry_backoff", d.RetryBackoff)
	v.SetDefault("ledger.batch_concurrency", d.BatchConcurrency)
	v.SetDefault("ledger.late_fee", "0")
	v.SetDefault("ledger.system_actor", d.SystemActor)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.overdue_spec", "@daily")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration. configFile and envFile may be empty; a
// missing default config file or .env is not an error.
func Load(configFile, envFile string) (*Config, error) {
	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	return fromViper(v)
}

func loadDotEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func fromViper(v *viper.Viper) (*Config, error) {
	lateFee, err := decimal.NewFromString(v.GetString("ledger.late_fee"))
	if err != nil {
		return nil, fmt.Errorf("ledger.late_fee: %w", err)
	}
	if lateFee.IsNegative() {
		return nil, fmt.Errorf("ledger.late_fee: must not be negative")
	}

	cfg := &Config{
		Server:   ServerConfig{Port: v.GetInt("server.port")},
		Database: DatabaseConfig{Driver: v.GetString("database.driver"), DSN: v.GetString("database.dsn")},
		Ledger: ledger.Config{
			DueDay:           v.GetInt("ledger.due_day"),
			LockTimeout:      v.GetDuration("ledger.lock_timeout"),
			MaxRetries:       v.GetInt("ledger.max_retries"),
			RetryBackoff:     v.GetDuration("ledger.retry_backoff"),
			BatchConcurrency: v.GetInt("ledger.batch_concurrency"),
			LateFee:          lateFee,
			SystemActor:      v.GetString("ledger.system_actor"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     v.GetBool("scheduler.enabled"),
			OverdueSpec: v.GetString("scheduler.overdue_spec"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	case c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" && c.Database.Driver != "memory":
		return fmt.Errorf("database.driver: unsupported %q", c.Database.Driver)
	case c.Ledger.DueDay < 1 || c.Ledger.DueDay > 31:
		return fmt.Errorf("ledger.due_day: %d out of range", c.Ledger.DueDay)
	case c.Ledger.LockTimeout <= 0:
		return fmt.Errorf("ledger.lock_timeout: must be positive")
	case c.Ledger.MaxRetries < 0:
		return fmt.Errorf("ledger.max_retries: must not be negative")
	case c.Ledger.BatchConcurrency < 1:
		return fmt.Errorf("ledger.batch_concurrency: must be at least 1")
	}
	return nil
}

// =============================================================================
// LOGGER
// =============================================================================

// NewLogger builds the zap logger described by c.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
