package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("JWT_SECRET", "")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")
	t.Setenv("STORAGE_DRIVER", "")
	t.Setenv("WEBHOOK_PROVIDERS", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StorageBaseURL != "http://localhost:8080/static" {
		t.Fatalf("StorageBaseURL mismatch: got %q", cfg.StorageBaseURL)
	}
	if cfg.TimeoutVideo != 40*time.Minute || cfg.TimeoutImage != 15*time.Minute || cfg.TimeoutText != 10*time.Minute {
		t.Fatalf("timeouts mismatch: %v %v %v", cfg.TimeoutVideo, cfg.TimeoutImage, cfg.TimeoutText)
	}
	if cfg.SweepBatchSize != 20 || cfg.SweepWorkers != 4 {
		t.Fatalf("sweep defaults mismatch: %d %d", cfg.SweepBatchSize, cfg.SweepWorkers)
	}
	if cfg.ProviderBackoffMax != 5*time.Second {
		t.Fatalf("ProviderBackoffMax = %v", cfg.ProviderBackoffMax)
	}
	if !cfg.WebhookProviderAllowed("KIE") || cfg.WebhookProviderAllowed("other") {
		t.Fatalf("WebhookProviders mismatch: %#v", cfg.WebhookProviders)
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate should require JWT_SECRET")
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigParsesLists(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("WEBHOOK_PROVIDERS", " kie, runway ,,")
	t.Setenv("CORS_ORIGINS", "https://app.example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if len(cfg.WebhookProviders) != 2 || cfg.WebhookProviders[1] != "runway" {
		t.Fatalf("WebhookProviders mismatch: %#v", cfg.WebhookProviders)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "https://app.example.com" {
		t.Fatalf("CORSOrigins mismatch: %#v", cfg.CORSOrigins)
	}
}

func TestLoadConfigRejectsBadStorage(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("STORAGE_DRIVER", "s3")
	t.Setenv("S3_BUCKET", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for s3 without bucket")
	}

	t.Setenv("STORAGE_DRIVER", "ftp")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestLoadConfigRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}

func TestAppEnvMatchesLoadedConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("APP_ENV", "")
	if got := AppEnv(); got != "development" {
		t.Fatalf("AppEnv() = %q, want development", got)
	}

	t.Setenv("APP_ENV", "production")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if AppEnv() != "production" || cfg.AppEnv != "production" {
		t.Fatalf("AppEnv() = %q, cfg.AppEnv = %q", AppEnv(), cfg.AppEnv)
	}
}
