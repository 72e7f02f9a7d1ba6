package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " console, ,webhook ")
	got := envList("TEST_LIST", nil)
	if len(got) != 2 || got[0] != "console" || got[1] != "webhook" {
		t.Fatalf("unexpected list: %v", got)
	}
}

func TestEnvIntMap(t *testing.T) {
	t.Setenv("TEST_MAP", "cache=2, storage=5")
	got, err := envIntMap("TEST_MAP")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got["cache"] != 2 || got["storage"] != 5 {
		t.Fatalf("unexpected map: %v", got)
	}
}

func TestEnvIntMapInvalid(t *testing.T) {
	t.Setenv("TEST_MAP_BAD", "cache=two")
	if _, err := envIntMap("TEST_MAP_BAD"); err == nil {
		t.Fatal("expected error for malformed entry")
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("SENTINEL_PORT", "abc")
	t.Setenv("SENTINEL_SMTP_PORT", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "SENTINEL_PORT") {
		t.Fatalf("error should mention SENTINEL_PORT, got: %s", got)
	}
	if !strings.Contains(got, "SENTINEL_SMTP_PORT") {
		t.Fatalf("error should mention SENTINEL_SMTP_PORT, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RetentionDays != 30 {
		t.Fatalf("expected default retention 30, got %d", cfg.RetentionDays)
	}
	if cfg.RetryWindow != time.Hour {
		t.Fatalf("expected default retry window 1h, got %s", cfg.RetryWindow)
	}
	if cfg.StorageBackend != BackendAuto {
		t.Fatalf("expected auto backend, got %q", cfg.StorageBackend)
	}
	if cfg.IngestRateLimit != 600 || cfg.AdminToken != "" {
		t.Fatalf("expected ingest limit 600 and no admin token, got %d %q", cfg.IngestRateLimit, cfg.AdminToken)
	}
}

func TestCeilingForOverrides(t *testing.T) {
	t.Setenv("SENTINEL_RETRY_CEILINGS", "cache=2")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.CeilingFor("cache"); got != 2 {
		t.Fatalf("expected cache ceiling 2, got %d", got)
	}
	if got := cfg.CeilingFor("storage"); got != 3 {
		t.Fatalf("expected default ceiling 3, got %d", got)
	}
}

func TestValidateRequiresWebhookURL(t *testing.T) {
	t.Setenv("SENTINEL_ALERT_CHANNELS", "console,webhook")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SENTINEL_ALERT_WEBHOOK_URL") {
		t.Fatalf("expected webhook URL error, got: %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("SENTINEL_STORAGE_BACKEND", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestAlertChannelRateLimits(t *testing.T) {
	t.Setenv("SENTINEL_ALERT_CHANNEL_RATE_LIMITS", "email=2,webhook=30")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.AlertChannelLimits["email"] != 2 || cfg.AlertChannelLimits["webhook"] != 30 {
		t.Fatalf("unexpected channel limits: %v", cfg.AlertChannelLimits)
	}

	t.Setenv("SENTINEL_ALERT_CHANNEL_RATE_LIMITS", "email=0")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "SENTINEL_ALERT_CHANNEL_RATE_LIMITS") {
		t.Fatalf("expected channel limit error, got: %v", err)
	}
}
