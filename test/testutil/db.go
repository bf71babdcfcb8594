package testutil

import (
	"fmt"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shridarpatil/wasend/internal/database"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SetupTestDB connects to the test database named by WASEND_TEST_DSN and
// migrates the schema. Tests are skipped when the variable is unset so the
// suite runs without a database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := os.Getenv("WASEND_TEST_DSN")
	if dsn == "" {
		t.Skip("WASEND_TEST_DSN not set; skipping database test")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "failed to connect to test database")

	require.NoError(t, database.AutoMigrate(db), "failed to migrate test database")

	// Each test starts from empty tables
	for _, m := range database.GetMigrationModels() {
		stmt := &gorm.Statement{DB: db}
		require.NoError(t, stmt.Parse(m.Model))
		require.NoError(t, db.Exec(fmt.Sprintf("TRUNCATE TABLE %s CASCADE", stmt.Table)).Error)
	}

	return db
}

// SetupTestRedis starts an in-process Redis and returns a connected client
func SetupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}
