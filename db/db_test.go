package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestMigrate(t *testing.T) {
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres migration test")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestKVRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	key := fmt.Sprintf("test:kv:%d", time.Now().UnixNano())

	// Absent key reads as empty without error
	v, err := KVGet(ctx, db, key)
	if err != nil {
		t.Fatalf("KVGet absent: %v", err)
	}
	if v != "" {
		t.Errorf("absent key = %q, want empty", v)
	}

	if err := KVSet(ctx, db, key, "first"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}
	if v, err = KVGet(ctx, db, key); err != nil || v != "first" {
		t.Errorf("KVGet = %q, %v; want %q", v, err, "first")
	}

	// Overwrite
	if err := KVSet(ctx, db, key, "second"); err != nil {
		t.Fatalf("KVSet overwrite: %v", err)
	}
	if v, _ = KVGet(ctx, db, key); v != "second" {
		t.Errorf("after overwrite = %q, want %q", v, "second")
	}

	if err := KVDelete(ctx, db, key); err != nil {
		t.Fatalf("KVDelete: %v", err)
	}
	if v, _ = KVGet(ctx, db, key); v != "" {
		t.Errorf("after delete = %q, want empty", v)
	}
}

func TestKVListPrefix(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prefix := fmt.Sprintf("test:list:%d:", time.Now().UnixNano())
	for i := 0; i < 3; i++ {
		k := fmt.Sprintf("%s%d", prefix, i)
		if err := KVSet(ctx, db, k, fmt.Sprintf("v%d", i)); err != nil {
			t.Fatalf("KVSet %s: %v", k, err)
		}
		t.Cleanup(func() { _ = KVDelete(context.Background(), db, k) })
	}
	// A key outside the prefix must not appear
	other := prefix[:len(prefix)-1] + "-outside"
	if err := KVSet(ctx, db, other, "x"); err != nil {
		t.Fatalf("KVSet outside: %v", err)
	}
	t.Cleanup(func() { _ = KVDelete(context.Background(), db, other) })

	got, err := KVList(ctx, db, prefix)
	if err != nil {
		t.Fatalf("KVList: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("KVList returned %d entries, want 3: %v", len(got), got)
	}
	if got[prefix+"1"] != "v1" {
		t.Errorf("entry 1 = %q, want v1", got[prefix+"1"])
	}
}

func TestOAuthTokenAbsentProvider(t *testing.T) {
	db := setupTestDB(t)

	access, refresh, expiry, scope, err := GetOAuthToken(context.Background(), db, "no-such-provider")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if access != "" || refresh != "" || scope != "" || !expiry.IsZero() {
		t.Errorf("absent provider returned non-zero values: %q %q %v %q", access, refresh, expiry, scope)
	}
}
