package config

import (
	"errors"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/couchcryptid/er-occupancy-etl/internal/archival"
	"github.com/joho/godotenv"
)

// DatabaseOptions selects the store backend.
type DatabaseOptions struct {
	Driver string `env:"DB_DRIVER" envDefault:"sqlite"`
	Path   string `env:"DB_PATH" envDefault:"data/urgences.db"`
	DSN    string `env:"DB_DSN"`
	Debug  bool   `env:"DB_DEBUG" envDefault:"false"`
}

// FeedOptions describes the hourly feed and the reference catalog.
type FeedOptions struct {
	Path        string `env:"FEED_PATH" envDefault:"data/Releve_horaire_urgences_7jours.csv"`
	Timezone    string `env:"FEED_TIMEZONE" envDefault:"America/Toronto"`
	DateLayout  string `env:"FEED_DATE_LAYOUT" envDefault:"2006-01-02"`
	CatalogPath string `env:"CATALOG_PATH" envDefault:"data/odhf_v1.1.csv"`
	AnomalyDir  string `env:"ANOMALY_DIR" envDefault:"logs"`

	// Location is FEED_TIMEZONE resolved by Load.
	Location *time.Location `env:"-"`
}

// ScheduleOptions drives the runner and the cycle lease.
type ScheduleOptions struct {
	IngestInterval   time.Duration `env:"INGEST_INTERVAL" envDefault:"1h"`
	BackfillInterval time.Duration `env:"BACKFILL_INTERVAL" envDefault:"24h"`
	LeaseTTL         time.Duration `env:"LEASE_TTL" envDefault:"30m"`
}

// IngestOptions holds the validation and archival rules.
type IngestOptions struct {
	ArchivePolicy     string  `env:"ARCHIVE_POLICY" envDefault:"dedupe"`
	DefaultRegionCode string  `env:"DEFAULT_REGION_CODE" envDefault:"06"`
	MaxStretchers     float64 `env:"MAX_STRETCHERS" envDefault:"1000"`
}

// KafkaOptions configures the snapshot sink. No brokers disables it.
type KafkaOptions struct {
	Brokers       []string `env:"KAFKA_BROKERS" envSeparator:","`
	SnapshotTopic string   `env:"KAFKA_SNAPSHOT_TOPIC" envDefault:"er-occupancy-snapshots"`
}

// Config holds all service settings, populated from environment variables.
type Config struct {
	Database DatabaseOptions
	Feed     FeedOptions
	Schedule ScheduleOptions
	Ingest   IngestOptions
	Kafka    KafkaOptions

	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// SinkEnabled reports whether snapshots are published.
func (c *Config) SinkEnabled() bool { return len(c.Kafka.Brokers) > 0 }

// Policy returns the parsed archive policy. Load has already validated it.
func (c *Config) Policy() archival.Policy {
	p, _ := archival.ParsePolicy(c.Ingest.ArchivePolicy)
	return p
}

// Load reads configuration from the environment, after loading any of the
// given dotenv files that exist. With no files, ".env" is tried.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Feed.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid FEED_TIMEZONE: %w", err)
	}
	cfg.Feed.Location = loc
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("DB_PATH is required for the sqlite driver")
		}
	case "mysql":
		if c.Database.DSN == "" {
			return errors.New("DB_DSN is required for the mysql driver")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be sqlite or mysql, got %q", c.Database.Driver)
	}

	if c.Feed.Path == "" {
		return errors.New("FEED_PATH is required")
	}
	if c.Feed.DateLayout == "" {
		return errors.New("FEED_DATE_LAYOUT is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"INGEST_INTERVAL", c.Schedule.IngestInterval},
		{"BACKFILL_INTERVAL", c.Schedule.BackfillInterval},
		{"LEASE_TTL", c.Schedule.LeaseTTL},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}

	if _, err := archival.ParsePolicy(c.Ingest.ArchivePolicy); err != nil {
		return fmt.Errorf("invalid ARCHIVE_POLICY: %w", err)
	}
	if c.Ingest.MaxStretchers <= 0 {
		return fmt.Errorf("MAX_STRETCHERS must be positive, got %g", c.Ingest.MaxStretchers)
	}
	if c.Ingest.DefaultRegionCode == "" {
		return errors.New("DEFAULT_REGION_CODE is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.SinkEnabled() && c.Kafka.SnapshotTopic == "" {
		return errors.New("KAFKA_SNAPSHOT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// loadEnvFiles loads the dotenv files that exist. Variables already set in
// the environment win.
func loadEnvFiles(files []string) error {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}
