package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.EqualValues(t, 5, cfg.Database.MaxConns)
	assert.Equal(t, "LOAN_MASTER,PAYMENT_TRANSACTION", cfg.Ingestion.EnabledFeeds)
	assert.Equal(t, 15*time.Minute, cfg.Ingestion.FeedTimeout)
	assert.Equal(t, 500, cfg.Ingestion.DeltaBatchSize)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, []string{"*"}, cfg.Server.Origins())
	assert.False(t, cfg.Kafka.Enabled())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	dir := t.TempDir()
	yaml := `database:
  host: db.internal
  port: 6543
ingestion:
  input_dir: /data/feeds
  feed_timeout: 2m
kafka:
  brokers: k1:9092,k2:9092
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))
	t.Setenv("FEEDDELTA_DATABASE_HOST", "db.override")
	t.Setenv("FEEDDELTA_INGESTION_ENABLED_FEEDS", "BORROWER")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "db.override", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "/data/feeds", cfg.Ingestion.InputDir)
	assert.Equal(t, 2*time.Minute, cfg.Ingestion.FeedTimeout)
	assert.Equal(t, "BORROWER", cfg.Ingestion.EnabledFeeds)
	assert.True(t, cfg.Kafka.Enabled())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FEEDDELTA_SERVER_ADDR=:9999\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("FEEDDELTA_SERVER_ADDR") })

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]struct{ key, value string }{
		"single connection": {"FEEDDELTA_DATABASE_MAX_CONNS", "1"},
		"unknown log level": {"FEEDDELTA_LOG_LEVEL", "chatty"},
		"zero batch size":   {"FEEDDELTA_INGESTION_DELTA_BATCH_SIZE", "0"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load(t.TempDir())
			assert.ErrorContains(t, err, "invalid config")
		})
	}
}
