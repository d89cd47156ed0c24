package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationKV(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	kv, err := NewPostgresKV(dsn)
	if err != nil {
		t.Fatalf("new postgres kv: %v", err)
	}
	kv.tableName = postgresIntegrationTableName("pageel_cache_it")
	t.Cleanup(func() {
		_ = kv.Close()
		postgresIntegrationDropTable(t, dsn, kv.tableName)
	})

	exerciseKV(t, kv)

	ctx := context.Background()
	_ = kv.Set(ctx, "theme", "dark")
	keys, err := kv.Keys(ctx)
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	if len(keys) != 1 || keys[0] != "theme" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PAGEEL_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set PAGEEL_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
