package testutils

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

// TestDB connects to the database named by TEST_DATABASE_URL, applies the up
// migrations and truncates every table after the test. The test is skipped
// when the variable is unset.
func TestDB(t testing.TB) *sqlx.DB {
	t.Helper()

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}

	db, err := sqlx.Connect("postgres", dbURL)
	if err != nil {
		t.Fatalf("Could not connect to database: %s", err)
	}

	var count int
	err = db.GetContext(context.Background(), &count, "SELECT COUNT(*) FROM pg_tables WHERE tablename = 'token_header'")
	if err != nil || count == 0 {
		for _, file := range upMigrations(t) {
			migration, err := os.ReadFile(file)
			if err != nil {
				t.Fatalf("Could not read migration file: %s", err)
			}
			if _, err := db.ExecContext(context.Background(), string(migration)); err != nil {
				t.Fatalf("Could not run migration %s: %s", filepath.Base(file), err)
			}
		}
	}

	t.Cleanup(func() {
		_, err := db.Exec(`TRUNCATE TABLE token_header, usage_limited_token, time_limited_token,
			self_contained_token, encryption_key, cryptographer_auxiliary, auth_policy_header, auth_policy CASCADE`)
		if err != nil {
			t.Errorf("Failed to clean up test data: %v", err)
		}
		db.Close()
	})

	return db
}

func upMigrations(t testing.TB) []string {
	_, file, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "migrations")
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil || len(files) == 0 {
		t.Fatalf("Could not find migrations in %s", dir)
	}
	sort.Strings(files)
	return files
}

// TestRedis returns a client on TEST_REDIS_ADDR (default localhost:6379, DB 1)
// with the database flushed. The test is skipped when redis does not answer.
func TestRedis(t testing.TB) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 1})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis is not available at %s: %v", addr, err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}
