package db

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"presence-backplane/config"
	"presence-backplane/internal/model"
)

// Init opens the shared store and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel(cfg.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func dialectorFor(cfg *config.DatabaseConfig) (gorm.Dialector, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "postgres", "postgresql":
		return postgres.Open(cfg.DSN), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(SQLiteDSN(cfg.DSN)), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

// SQLiteDSN adds the connection options the store relies on to a sqlite DSN
// unless the DSN sets them already: foreign keys on, so purges cascade to
// delivery attempts, and a busy timeout so concurrent writers wait for the
// lock instead of failing at once.
func SQLiteDSN(dsn string) string {
	for _, opt := range []string{"_foreign_keys=on", "_busy_timeout=5000"} {
		key := opt[:strings.IndexByte(opt, '=')+1]
		if strings.Contains(dsn, key) {
			continue
		}
		if strings.Contains(dsn, "?") {
			dsn += "&" + opt
		} else {
			dsn += "?" + opt
		}
	}
	return dsn
}

func logLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// Migrate creates the four backplane relations and their indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Connection{},
		&model.Message{},
		&model.DeliveryAttempt{},
		&model.Session{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	// Partial indexes are not expressible in struct tags. Both postgres and
	// sqlite accept this form.
	ddls := []string{
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions (user_id) WHERE is_active",
	}
	for _, ddl := range ddls {
		if err := db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("DDL failed on %q: %w", ddl, err)
		}
	}
	return nil
}
