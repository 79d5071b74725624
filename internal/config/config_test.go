package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsRequireDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "")
	cfg, err := Load()
	require.Error(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, DriverPostgres, cfg.StoreDriver)
	assert.Equal(t, 5*time.Second, cfg.StoreTimeout)
	assert.Equal(t, 8, cfg.DerivationConcurrency)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/patrol.db")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("HTTP_MAX_CONNS", "12")
	t.Setenv("ROLLUP_CACHE_TTL", "1m")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, "/tmp/patrol.db", cfg.SQLitePath)
	assert.Equal(t, 750*time.Millisecond, cfg.StoreTimeout)
	assert.Equal(t, 12, cfg.HTTPMaxConns)
	assert.Equal(t, time.Minute, cfg.RollupCacheTTL)
}

func TestExplicitValuesWinOverEnv(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9000")
	v := viper.New()
	v.Set(KeyListenAddr, ":7000")
	v.Set(KeyStoreDriver, DriverMemory)
	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.ListenAddr)
}

func TestUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	_, err := Load()
	assert.ErrorContains(t, err, "mongo")
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(Config{LogLevel: "debug", LogFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	_, err = NewLogger(Config{LogLevel: "loud"})
	assert.Error(t, err)
	_, err = NewLogger(Config{LogLevel: "info", LogFormat: "xml"})
	assert.Error(t, err)
}
