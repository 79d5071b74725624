package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Env                   string
	ListenAddr            string
	StoreDriver           string
	DatabaseURL           string
	SQLitePath            string
	StoreTimeout          time.Duration
	HTTPMaxConns          int
	DerivationConcurrency int
	RollupCacheTTL        time.Duration
	ResubscribeMaxBackoff time.Duration
	LogLevel              string
	LogFormat             string
}

// Keys are lower-case viper keys; the matching environment variable is the
// upper-case form, e.g. listen_addr reads LISTEN_ADDR.
const (
	KeyEnv                   = "app_env"
	KeyListenAddr            = "listen_addr"
	KeyStoreDriver           = "store_driver"
	KeyDatabaseURL           = "database_url"
	KeySQLitePath            = "sqlite_path"
	KeyStoreTimeout          = "store_timeout"
	KeyHTTPMaxConns          = "http_max_conns"
	KeyDerivationConcurrency = "derivation_concurrency"
	KeyRollupCacheTTL        = "rollup_cache_ttl"
	KeyResubscribeMaxBackoff = "resubscribe_max_backoff"
	KeyLogLevel              = "log_level"
	KeyLogFormat             = "log_format"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyEnv, "development")
	v.SetDefault(KeyListenAddr, ":8080")
	v.SetDefault(KeyStoreDriver, DriverPostgres)
	v.SetDefault(KeyDatabaseURL, "")
	v.SetDefault(KeySQLitePath, "safetypatrol.db")
	v.SetDefault(KeyStoreTimeout, 5*time.Second)
	v.SetDefault(KeyHTTPMaxConns, 256)
	v.SetDefault(KeyDerivationConcurrency, 8)
	v.SetDefault(KeyRollupCacheTTL, 5*time.Minute)
	v.SetDefault(KeyResubscribeMaxBackoff, 30*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	return LoadFrom(viper.New())
}

// LoadFrom reads configuration through v, which may already have command
// line flags bound. The returned Config is filled in even when err is non-nil
// so callers can decide whether the problem is fatal.
func LoadFrom(v *viper.Viper) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	setDefaults(v)
	v.AutomaticEnv()

	cfg := Config{
		Env:                   v.GetString(KeyEnv),
		ListenAddr:            v.GetString(KeyListenAddr),
		StoreDriver:           v.GetString(KeyStoreDriver),
		DatabaseURL:           v.GetString(KeyDatabaseURL),
		SQLitePath:            v.GetString(KeySQLitePath),
		StoreTimeout:          v.GetDuration(KeyStoreTimeout),
		HTTPMaxConns:          v.GetInt(KeyHTTPMaxConns),
		DerivationConcurrency: v.GetInt(KeyDerivationConcurrency),
		RollupCacheTTL:        v.GetDuration(KeyRollupCacheTTL),
		ResubscribeMaxBackoff: v.GetDuration(KeyResubscribeMaxBackoff),
		LogLevel:              v.GetString(KeyLogLevel),
		LogFormat:             v.GetString(KeyLogFormat),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return cfg, errors.New("DATABASE_URL not set")
		}
	case DriverSQLite, DriverMemory:
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	switch cfg.LogFormat {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text", "":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown LOG_FORMAT %q", cfg.LogFormat)
	}
	return log, nil
}
