// Package store persists regions, facilities and emergency-room states with
// GORM on SQLite or MySQL.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/couchcryptid/er-occupancy-etl/internal/domain"
	mysqldrv "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and tunes the database.
type Config struct {
	Driver string
	// Path is the SQLite file. Its directory is created if needed.
	Path string
	// DSN is the MySQL data source name.
	DSN   string
	Debug bool
}

// Store owns the database handle.
type Store struct {
	db     *gorm.DB
	driver string
	logger *slog.Logger
}

// Open connects to the configured database. It does not migrate.
func Open(cfg Config, log *slog.Logger) (*Store, error) {
	logLevel := logger.Silent
	if cfg.Debug {
		logLevel = logger.Info
	}
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logLevel)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
	case DriverMySQL:
		dsn, derr := mysqlDSN(cfg.DSN)
		if derr != nil {
			return nil, derr
		}
		db, err = gorm.Open(mysql.Open(dsn), gcfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get underlying database: %w", err)
	}
	if cfg.Driver == DriverMySQL {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	driverName := cfg.Driver
	if driverName == "" {
		driverName = DriverSQLite
	}
	return &Store{db: db, driver: driverName, logger: log}, nil
}

// mysqlDSN forces parsed times in UTC, which the models rely on.
func mysqlDSN(dsn string) (string, error) {
	mc, err := mysqldrv.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN(), nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&Region{},
		&Facility{},
		&CurrentState{},
		&HistoryRecord{},
		&CycleLease{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SeedRegions inserts the regions that do not exist yet, matched by code.
// Existing rows are left untouched.
func (s *Store) SeedRegions(ctx context.Context, seeds []domain.RegionSeed) (int, error) {
	created := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, seed := range seeds {
			var existing Region
			err := tx.Where("code = ?", seed.Code).Take(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("find region %s: %w", seed.Code, err)
			}
			if err := tx.Create(&Region{Code: seed.Code, Name: seed.Name}).Error; err != nil {
				return fmt.Errorf("seed region %s: %w", seed.Code, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		s.logger.Info("regions seeded", "created", created)
	}
	return created, nil
}

// Repo returns a repository bound to the root connection.
func (s *Store) Repo(ctx context.Context) *Repo {
	return &Repo{db: s.db.WithContext(ctx)}
}

// Transact runs fn in one transaction. Any error or panic rolls back.
func (s *Store) Transact(ctx context.Context, fn func(tx *Repo) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Driver returns the driver name.
func (s *Store) Driver() string { return s.driver }

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// IsUnavailable reports whether err means the database connection itself is
// gone, as opposed to a failed statement.
func IsUnavailable(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
