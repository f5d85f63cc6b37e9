package app

import (
	"testing"
	"time"
)

func TestEnvString(t *testing.T) {
	t.Setenv("SOUK_TEST_STR", "  value  ")
	if got := EnvString("SOUK_TEST_STR", "def"); got != "value" {
		t.Fatalf("expected trimmed value, got %q", got)
	}
	if got := EnvString("SOUK_TEST_STR_MISSING", "def"); got != "def" {
		t.Fatalf("expected default, got %q", got)
	}
}

func TestEnvBool(t *testing.T) {
	t.Setenv("SOUK_TEST_BOOL", "true")
	if !EnvBool("SOUK_TEST_BOOL", false) {
		t.Fatalf("expected true")
	}
	t.Setenv("SOUK_TEST_BOOL", "not-a-bool")
	if !EnvBool("SOUK_TEST_BOOL", true) {
		t.Fatalf("expected default on parse failure")
	}
}

func TestEnvInt(t *testing.T) {
	t.Setenv("SOUK_TEST_INT", "42")
	if got := EnvInt("SOUK_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("SOUK_TEST_INT", "-5")
	if got := EnvInt("SOUK_TEST_INT", 7); got != 7 {
		t.Fatalf("expected default for non-positive, got %d", got)
	}
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("SOUK_TEST_DUR", "150ms")
	if got := EnvDuration("SOUK_TEST_DUR", time.Second); got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %v", got)
	}
	t.Setenv("SOUK_TEST_DUR", "soon")
	if got := EnvDuration("SOUK_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("expected default on parse failure, got %v", got)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("unexpected default addr: %q", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level: %q", cfg.LogLevel)
	}
	if cfg.DBMaxConns != 10 || cfg.DBMinConns != 0 {
		t.Fatalf("unexpected default pool sizing: max=%d min=%d", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if cfg.ReadinessRequireDB {
		t.Fatalf("readiness must not require a DB by default")
	}
}
