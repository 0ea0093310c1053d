package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/archival"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/urgences.db", cfg.Database.Path)
	assert.Empty(t, cfg.Database.DSN)
	assert.False(t, cfg.Database.Debug)
	assert.Equal(t, "data/Releve_horaire_urgences_7jours.csv", cfg.Feed.Path)
	assert.Equal(t, "America/Toronto", cfg.Feed.Location.String())
	assert.Equal(t, "2006-01-02", cfg.Feed.DateLayout)
	assert.Equal(t, "data/odhf_v1.1.csv", cfg.Feed.CatalogPath)
	assert.Equal(t, "logs", cfg.Feed.AnomalyDir)
	assert.Equal(t, time.Hour, cfg.Schedule.IngestInterval)
	assert.Equal(t, 24*time.Hour, cfg.Schedule.BackfillInterval)
	assert.Equal(t, 30*time.Minute, cfg.Schedule.LeaseTTL)
	assert.Equal(t, archival.PolicyDedupe, cfg.Policy())
	assert.Equal(t, "06", cfg.Ingest.DefaultRegionCode)
	assert.InDelta(t, 1000.0, cfg.Ingest.MaxStretchers, 0)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.SinkEnabled())
	assert.Equal(t, "er-occupancy-snapshots", cfg.Kafka.SnapshotTopic)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	t.Setenv("DB_DSN", "etl:secret@tcp(db:3306)/urgences")
	t.Setenv("DB_DEBUG", "true")
	t.Setenv("FEED_PATH", "/srv/feed.csv")
	t.Setenv("FEED_TIMEZONE", "UTC")
	t.Setenv("INGEST_INTERVAL", "15m")
	t.Setenv("ARCHIVE_POLICY", "always")
	t.Setenv("MAX_STRETCHERS", "250")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, "etl:secret@tcp(db:3306)/urgences", cfg.Database.DSN)
	assert.True(t, cfg.Database.Debug)
	assert.Equal(t, "/srv/feed.csv", cfg.Feed.Path)
	assert.Equal(t, time.UTC, cfg.Feed.Location)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.IngestInterval)
	assert.Equal(t, archival.PolicyAlways, cfg.Policy())
	assert.InDelta(t, 250.0, cfg.Ingest.MaxStretchers, 0)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.SinkEnabled())
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoad_DotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDR=:9191\nLOG_LEVEL=debug\n"), 0o600))
	t.Setenv("LOG_LEVEL", "warn")
	t.Cleanup(func() { os.Unsetenv("HTTP_ADDR") })

	cfg, err := Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":9191", cfg.HTTPAddr)
	assert.Equal(t, "warn", cfg.LogLevel, "environment wins over the file")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "postgres"}, "DB_DRIVER"},
		{"mysql without dsn", map[string]string{"DB_DRIVER": "mysql"}, "DB_DSN"},
		{"bad timezone", map[string]string{"FEED_TIMEZONE": "Mars/Olympus"}, "FEED_TIMEZONE"},
		{"negative shutdown", map[string]string{"SHUTDOWN_TIMEOUT": "-1s"}, "SHUTDOWN_TIMEOUT"},
		{"zero lease", map[string]string{"LEASE_TTL": "0s"}, "LEASE_TTL"},
		{"unknown policy", map[string]string{"ARCHIVE_POLICY": "sometimes"}, "ARCHIVE_POLICY"},
		{"zero max stretchers", map[string]string{"MAX_STRETCHERS": "0"}, "MAX_STRETCHERS"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, "LOG_FORMAT"},
		{"unparsable duration", map[string]string{"INGEST_INTERVAL": "hourly"}, "parse environment"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
