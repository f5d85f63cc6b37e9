package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when SOUK_DATABASE_URL is set.
// This keeps local "go test ./..." fast and deterministic without Postgres.

func TestPostgresDirectory_Lookup(t *testing.T) {
	t.Parallel()

	pool := mustOpenDirectoryPool(t)
	defer pool.Close()

	schema := mustCreateUsersSchema(t, pool)

	dir, err := NewPostgresDirectory(pool, WithDirectorySchema(schema))
	if err != nil {
		t.Fatalf("new directory: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mustInsertUser(t, pool, schema, "user-amira", "Amira Haddad", "https://cdn.example/amira.png", true)
	mustInsertUser(t, pool, schema, "user-gone", "Former Seller", "", false)

	u, err := dir.Lookup(ctx, "user-amira")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if u.ID != "user-amira" || u.DisplayName != "Amira Haddad" || u.AvatarURL != "https://cdn.example/amira.png" || !u.Active {
		t.Fatalf("unexpected user row: %+v", u)
	}

	// Inactive rows resolve as-is; the verifier rejects them, not the lookup.
	gone, err := dir.Lookup(ctx, "user-gone")
	if err != nil {
		t.Fatalf("lookup inactive: %v", err)
	}
	if gone.Active {
		t.Fatalf("expected inactive user, got %+v", gone)
	}
	if gone.AvatarURL != "" {
		t.Fatalf("NULL avatar_url must scan as empty, got %q", gone.AvatarURL)
	}

	if _, err := dir.Lookup(ctx, "user-nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := dir.Lookup(ctx, "   "); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound for blank id, got %v", err)
	}
}

// ---- test helpers ----

func mustOpenDirectoryPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("SOUK_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: SOUK_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse SOUK_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	return pool
}

func mustCreateUsersSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand: %v", err)
	}
	schema := "souk_it_" + hex.EncodeToString(buf)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	t.Cleanup(func() {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dropCancel()
		_, _ = pool.Exec(dropCtx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	users := pgx.Identifier{schema, "users"}.Sanitize()
	if _, err := pool.Exec(ctx, `
CREATE TABLE `+users+` (
  id           TEXT PRIMARY KEY,
  display_name TEXT NOT NULL,
  avatar_url   TEXT,
  active       BOOLEAN NOT NULL DEFAULT TRUE
)`); err != nil {
		t.Fatalf("create users table: %v", err)
	}
	return schema
}

func mustInsertUser(t *testing.T, pool *pgxpool.Pool, schema, id, displayName, avatarURL string, active bool) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	users := pgx.Identifier{schema, "users"}.Sanitize()
	if _, err := pool.Exec(ctx,
		`INSERT INTO `+users+` (id, display_name, avatar_url, active) VALUES ($1, $2, NULLIF($3, ''), $4)`,
		id, displayName, avatarURL, active,
	); err != nil {
		t.Fatalf("insert user %s: %v", id, err)
	}
}
