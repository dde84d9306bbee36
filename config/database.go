package config

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DriverFor returns the configured driver or infers it from the URL.
func DriverFor(cfg DatabaseConfig) string {
	if cfg.Driver != "" {
		return cfg.Driver
	}
	u := strings.ToLower(cfg.URL)
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") || strings.Contains(u, "host=") {
		return DriverPostgres
	}
	return DriverSQLite
}

// InitDB initializes database connection
func InitDB(cfg DatabaseConfig, production bool, l *slog.Logger) (*gorm.DB, error) {
	driver := DriverFor(cfg)
	l.Info("connecting to database", slog.String("driver", driver), slog.String("target", maskDSN(cfg.URL)))

	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(cfg.URL)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	logLevel := gormlogger.Warn
	if production {
		logLevel = gormlogger.Error
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection with ping
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	if driver == DriverPostgres {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	l.Info("database connection verified")
	return db, nil
}

// maskDSN hides credentials and most of the host for logging
func maskDSN(dsn string) string {
	if at := strings.LastIndex(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			dsn = dsn[:scheme+3] + "***" + dsn[at:]
		}
	}
	if len(dsn) <= 3 {
		return "***"
	}
	if len(dsn) <= 24 {
		return dsn[:3] + "***"
	}
	return dsn[:16] + "***" + dsn[len(dsn)-6:]
}
