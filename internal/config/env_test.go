package config

import (
	"strings"
	"testing"
	"time"
)

func assertEqual[T comparable](t *testing.T, field string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", field, got, want)
	}
}

func TestLoadEnvConfigDefaults(t *testing.T) {
	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "DatabasePath", cfg.DatabasePath, "proxyhaven.db")
	assertEqual(t, "ScannerRate", cfg.ScannerRate, 10000)
	assertEqual(t, "ValidatorTimeout", cfg.ValidatorTimeout, 8*time.Second)
	assertEqual(t, "PipelineConcurrency", cfg.PipelineConcurrency, 200)
	assertEqual(t, "GatewayListenAddress", cfg.GatewayListenAddress, "127.0.0.1:8888")
	assertEqual(t, "GatewayPoolSize", cfg.GatewayPoolSize, 10)
	assertEqual(t, "GatewayRotationStrategy", cfg.GatewayRotationStrategy, "random")
	assertEqual(t, "LifecycleSweepInterval", cfg.LifecycleSweepInterval, 300*time.Second)
	assertEqual(t, "LifecycleEvictThreshold", cfg.LifecycleEvictThreshold, 40)
	assertEqual(t, "GeoIPRequestsPerMinute", cfg.GeoIPRequestsPerMinute, 45)
	assertEqual(t, "GeoIPOfflineDBPath", cfg.GeoIPOfflineDBPath, "")
	if len(cfg.ScannerDefaultPorts) != 5 {
		t.Errorf("want 5 default scanner ports, got %v", cfg.ScannerDefaultPorts)
	}
}

func TestLoadEnvConfigOverrides(t *testing.T) {
	t.Setenv("PROXYHAVEN_GATEWAY_ROTATION_STRATEGY", "round-robin")
	t.Setenv("PROXYHAVEN_GATEWAY_POOL_SIZE", "25")
	t.Setenv("PROXYHAVEN_SCANNER_DEFAULT_PORTS", "80, 443,8080")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertEqual(t, "GatewayRotationStrategy", cfg.GatewayRotationStrategy, "round-robin")
	assertEqual(t, "GatewayPoolSize", cfg.GatewayPoolSize, 25)
	if len(cfg.ScannerDefaultPorts) != 3 || cfg.ScannerDefaultPorts[1] != 443 {
		t.Errorf("want parsed port list [80 443 8080], got %v", cfg.ScannerDefaultPorts)
	}
}

func TestLoadEnvConfigRejectsInvalidRotationStrategy(t *testing.T) {
	t.Setenv("PROXYHAVEN_GATEWAY_ROTATION_STRATEGY", "bogus")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "ROTATION_STRATEGY") {
		t.Fatalf("want validation error mentioning rotation strategy, got %v", err)
	}
}

func TestLoadEnvConfigAccumulatesMultipleErrors(t *testing.T) {
	t.Setenv("PROXYHAVEN_SCANNER_RATE", "not-a-number")
	t.Setenv("PROXYHAVEN_GATEWAY_POOL_SIZE", "-1")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "SCANNER_RATE") || !strings.Contains(err.Error(), "POOL_SIZE") {
		t.Errorf("want both validation failures reported, got %v", err)
	}
}

func TestLoadEnvConfigRejectsInvalidOfflineCronSchedule(t *testing.T) {
	t.Setenv("PROXYHAVEN_GEOIP_OFFLINE_DB_PATH", "/tmp/geo.mmdb")
	t.Setenv("PROXYHAVEN_GEOIP_OFFLINE_UPDATE_SCHEDULE", "not a cron expr")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "UPDATE_SCHEDULE") {
		t.Fatalf("want cron validation error, got %v", err)
	}
}
