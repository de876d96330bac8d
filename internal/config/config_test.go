package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, "localhost", cfg.Database.Postgres.Host)
	assert.Equal(t, "disable", cfg.Database.Postgres.SSLMode)

	assert.Equal(t, "nats://localhost:4222", cfg.Queue.URL)
	assert.Equal(t, -1, cfg.Queue.MaxReconnects)

	assert.Equal(t, 10000, cfg.Import.BatchSize)
	assert.Equal(t, 4, cfg.Import.MaxInFlight)
	assert.Equal(t, 30*time.Second, cfg.Import.DrainTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Import.DrainInterval)

	assert.Equal(t, "customers", cfg.Documents.CustomersIndex)
	assert.Equal(t, "events", cfg.Documents.EventsIndex)

	// TTL is off by default; the cache relies on explicit invalidation
	assert.Equal(t, time.Duration(0), cfg.Cache.JourneyTTL)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090

database:
  postgres:
    host: testhost
    port: 5433
    database: testdb
    user: testuser
    password: testpass
    sslmode: disable

queue:
  url: nats://queuehost:4222

import:
  batch_size: 500
  max_in_flight: 2
  drain_timeout: 10s

cache:
  journey_ttl: 5m

workspaces:
  max_customers: 100000
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "testhost", cfg.Database.Postgres.Host)
	assert.Equal(t, 5433, cfg.Database.Postgres.Port)
	assert.Equal(t, "nats://queuehost:4222", cfg.Queue.URL)
	assert.Equal(t, 500, cfg.Import.BatchSize)
	assert.Equal(t, 2, cfg.Import.MaxInFlight)
	assert.Equal(t, 10*time.Second, cfg.Import.DrainTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Cache.JourneyTTL)
	assert.Equal(t, int64(100000), cfg.Workspaces.MaxCustomers)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	os.Setenv("PIPELINE_SERVER_PORT", "7777")
	os.Setenv("PIPELINE_DATABASE_POSTGRES_HOST", "envhost")
	os.Setenv("PIPELINE_LOG_LEVEL", "warn")
	defer func() {
		os.Unsetenv("PIPELINE_SERVER_PORT")
		os.Unsetenv("PIPELINE_DATABASE_POSTGRES_HOST")
		os.Unsetenv("PIPELINE_LOG_LEVEL")
	}()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8090

database:
  postgres:
    host: filehost

log:
  level: info
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port, "Environment variable should override file value")
	assert.Equal(t, "envhost", cfg.Database.Postgres.Host, "Environment variable should override file value")
	assert.Equal(t, "warn", cfg.Log.Level, "Environment variable should override file value")
}

func TestLoad_InvalidBatchSize(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("import:\n  batch_size: 0\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	invalidYAML := `
server:
  port: not_a_number
  invalid yaml here [[[
`

	err := os.WriteFile(configPath, []byte(invalidYAML), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestPostgresConnString(t *testing.T) {
	pg := PostgresConfig{
		Host:     "db",
		Port:     5432,
		User:     "journeymesh",
		Password: "secret",
		Database: "journeymesh",
		SSLMode:  "disable",
	}
	assert.Equal(t, "postgres://journeymesh:secret@db:5432/journeymesh?sslmode=disable", pg.ConnString())
}
