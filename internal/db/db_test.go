package db

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"presence-backplane/config"
	"presence-backplane/internal/model"
)

func TestInit_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file:db_init_test?mode=memory&cache=shared&_foreign_keys=on",
		LogLevel: "silent",
	}

	gormDB, err := Init(cfg)
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	for _, table := range []any{&model.Connection{}, &model.Message{}, &model.DeliveryAttempt{}, &model.Session{}} {
		assert.True(t, gormDB.Migrator().HasTable(table))
	}
	assert.True(t, gormDB.Migrator().HasIndex(&model.Session{}, "idx_sessions_one_active"))
	assert.True(t, gormDB.Migrator().HasIndex(&model.Connection{}, "idx_connections_user_active"))

	// Migrate must be re-runnable by a second instance starting against the same store.
	assert.NoError(t, Migrate(gormDB))
}

func TestSQLiteDSN(t *testing.T) {
	testCases := []struct {
		in   string
		want string
	}{
		{"backplane.db", "backplane.db?_foreign_keys=on&_busy_timeout=5000"},
		{"file:backplane.db?cache=shared", "file:backplane.db?cache=shared&_foreign_keys=on&_busy_timeout=5000"},
		{"file:x?_foreign_keys=off", "file:x?_foreign_keys=off&_busy_timeout=5000"},
		{"file:x?_busy_timeout=100&_foreign_keys=on", "file:x?_busy_timeout=100&_foreign_keys=on"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, SQLiteDSN(tc.in), tc.in)
	}
}

func TestInit_SQLiteEnforcesForeignKeys(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      "file:db_fk_test?mode=memory&cache=shared",
		LogLevel: "silent",
	}

	gormDB, err := Init(cfg)
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()
	sqlDB.SetMaxOpenConns(1)

	var enabled int
	require.NoError(t, gormDB.Raw("PRAGMA foreign_keys").Scan(&enabled).Error)
	assert.Equal(t, 1, enabled)

	err = gormDB.Exec("INSERT INTO delivery_attempts (message_id, connection_id, attempted_at, is_successful) VALUES (?, ?, ?, ?)",
		404, "c1", time.Now().UTC(), true).Error
	assert.Error(t, err, "attempt for a missing message must be rejected")
}

func TestInit_UnknownDriver(t *testing.T) {
	_, err := Init(&config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, logLevel("silent"))
	assert.Equal(t, logger.Info, logLevel("INFO"))
	assert.Equal(t, logger.Warn, logLevel(""))
}
