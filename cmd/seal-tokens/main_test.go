package main

import (
	"context"
	"database/sql"
	"os"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/raid-tender/crypto"
)

// base64 of a 32-byte key, for tests only
const testSealKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS oauth_tokens (
		provider TEXT PRIMARY KEY,
		access_token TEXT,
		refresh_token TEXT,
		expires_at TIMESTAMPTZ,
		scope TEXT,
		updated_at TIMESTAMPTZ DEFAULT NOW(),
		encryption_version INTEGER DEFAULT 0,
		encryption_key_id TEXT
	)`); err != nil {
		database.Close()
		t.Fatalf("create table: %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM oauth_tokens`); err != nil {
		database.Close()
		t.Fatalf("reset table: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.NewCipher(testSealKey)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func insertLegacy(t *testing.T, database *sql.DB, provider, access, refresh string) {
	t.Helper()
	_, err := database.ExecContext(context.Background(),
		`INSERT INTO oauth_tokens (provider, access_token, refresh_token, expires_at, scope, encryption_version)
		 VALUES ($1, $2, $3, NOW() + INTERVAL '1 hour', 'chat:read', 0)`,
		provider, access, refresh)
	if err != nil {
		t.Fatalf("insert %s: %v", provider, err)
	}
}

func readRow(t *testing.T, database *sql.DB, provider string) (access, refresh string, version int) {
	t.Helper()
	err := database.QueryRowContext(context.Background(),
		`SELECT access_token, refresh_token, encryption_version FROM oauth_tokens WHERE provider=$1`,
		provider).Scan(&access, &refresh, &version)
	if err != nil {
		t.Fatalf("read %s: %v", provider, err)
	}
	return access, refresh, version
}

func TestDryRunLeavesRowsAlone(t *testing.T) {
	database := openTestDB(t)
	insertLegacy(t, database, "twitch", "legacy-access", "legacy-refresh")

	sealed, err := sealLegacyRows(context.Background(), database, testCipher(t), true)
	if err != nil {
		t.Fatalf("sealLegacyRows: %v", err)
	}
	if sealed != 1 {
		t.Errorf("sealed = %d, want 1 reported under dry-run", sealed)
	}
	access, _, version := readRow(t, database, "twitch")
	if version != 0 || access != "legacy-access" {
		t.Errorf("dry-run modified the row: version=%d access=%q", version, access)
	}
}

func TestSealEncryptsLegacyRows(t *testing.T) {
	database := openTestDB(t)
	cipher := testCipher(t)
	insertLegacy(t, database, "twitch", "twitch-access", "twitch-refresh")
	insertLegacy(t, database, "spotify", "spotify-access", "")

	sealed, err := sealLegacyRows(context.Background(), database, cipher, false)
	if err != nil {
		t.Fatalf("sealLegacyRows: %v", err)
	}
	if sealed != 2 {
		t.Errorf("sealed = %d, want 2", sealed)
	}

	access, refresh, version := readRow(t, database, "twitch")
	if version != 1 {
		t.Errorf("twitch version = %d, want 1", version)
	}
	if access == "twitch-access" {
		t.Error("twitch access token left in plaintext")
	}
	if got, err := cipher.Open(access); err != nil || got != "twitch-access" {
		t.Errorf("Open(access) = (%q, %v), want twitch-access", got, err)
	}
	if got, err := cipher.Open(refresh); err != nil || got != "twitch-refresh" {
		t.Errorf("Open(refresh) = (%q, %v), want twitch-refresh", got, err)
	}

	// A provider with no refresh token keeps the empty string.
	_, refresh, version = readRow(t, database, "spotify")
	if version != 1 || refresh != "" {
		t.Errorf("spotify row = (version=%d, refresh=%q), want (1, \"\")", version, refresh)
	}
}

func TestSealSkipsAlreadyEncryptedRows(t *testing.T) {
	database := openTestDB(t)
	cipher := testCipher(t)
	insertLegacy(t, database, "twitch", "legacy-access", "legacy-refresh")

	if _, err := sealLegacyRows(context.Background(), database, cipher, false); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	firstAccess, _, _ := readRow(t, database, "twitch")

	sealed, err := sealLegacyRows(context.Background(), database, cipher, false)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if sealed != 0 {
		t.Errorf("second pass sealed = %d, want 0", sealed)
	}
	secondAccess, _, _ := readRow(t, database, "twitch")
	if firstAccess != secondAccess {
		t.Error("second pass re-encrypted an already sealed row")
	}
}

func TestSealHandlesEmptyTable(t *testing.T) {
	database := openTestDB(t)
	sealed, err := sealLegacyRows(context.Background(), database, testCipher(t), false)
	if err != nil {
		t.Fatalf("sealLegacyRows: %v", err)
	}
	if sealed != 0 {
		t.Errorf("sealed = %d, want 0", sealed)
	}
}
