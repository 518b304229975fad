// Package config handles environment-variable-driven process configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds every environment-variable-driven setting the process
// bootstraps with.
type EnvConfig struct {
	// Storage
	DatabasePath string

	// Scan producer (opaque passthrough — the core never execs this itself)
	ScannerBinary      string
	ScannerRate        int
	ScannerInterface   string
	ScannerDefaultPorts []int

	// Validator
	ValidatorTimeout          time.Duration
	ValidatorJudgeURL         string
	ValidatorFallbackJudgeURL string
	PipelineConcurrency       int

	// Gateway
	GatewayListenAddress    string
	GatewayPoolSize         int
	GatewayRotationStrategy string

	// Lifecycle
	LifecycleSweepInterval  time.Duration
	LifecycleSweepBatchSize int
	LifecycleEvictThreshold int

	// Geolocation
	GeoIPBaseURL             string
	GeoIPBatchURL            string
	GeoIPRequestsPerMinute   int
	GeoIPOfflineDBPath       string
	GeoIPOfflineUpdateSchedule string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error if any value is invalid; validation errors
// accumulate into one diagnostic rather than failing on the first bad
// variable.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.DatabasePath = envStr("PROXYHAVEN_DB_PATH", "proxyhaven.db")

	cfg.ScannerBinary = envStr("PROXYHAVEN_SCANNER_BINARY", "masscan")
	cfg.ScannerRate = envInt("PROXYHAVEN_SCANNER_RATE", 10000, &errs)
	cfg.ScannerInterface = envStr("PROXYHAVEN_SCANNER_INTERFACE", "")
	cfg.ScannerDefaultPorts = envIntSlice("PROXYHAVEN_SCANNER_DEFAULT_PORTS", []int{80, 8080, 1080, 3128, 8888}, &errs)

	cfg.ValidatorTimeout = envDuration("PROXYHAVEN_VALIDATOR_TIMEOUT", 8*time.Second, &errs)
	cfg.ValidatorJudgeURL = envStr("PROXYHAVEN_VALIDATOR_JUDGE_URL", "https://www.google.com")
	cfg.ValidatorFallbackJudgeURL = envStr("PROXYHAVEN_VALIDATOR_FALLBACK_JUDGE_URL", "http://httpbin.org/get")
	cfg.PipelineConcurrency = envInt("PROXYHAVEN_PIPELINE_CONCURRENCY", 200, &errs)

	cfg.GatewayListenAddress = envStr("PROXYHAVEN_GATEWAY_LISTEN_ADDRESS", "127.0.0.1:8888")
	cfg.GatewayPoolSize = envInt("PROXYHAVEN_GATEWAY_POOL_SIZE", 10, &errs)
	cfg.GatewayRotationStrategy = envStr("PROXYHAVEN_GATEWAY_ROTATION_STRATEGY", "random")

	cfg.LifecycleSweepInterval = envDuration("PROXYHAVEN_LIFECYCLE_SWEEP_INTERVAL", 300*time.Second, &errs)
	cfg.LifecycleSweepBatchSize = envInt("PROXYHAVEN_LIFECYCLE_SWEEP_BATCH_SIZE", 1000, &errs)
	cfg.LifecycleEvictThreshold = envInt("PROXYHAVEN_LIFECYCLE_EVICT_THRESHOLD", 40, &errs)

	cfg.GeoIPBaseURL = envStr("PROXYHAVEN_GEOIP_BASE_URL", "http://ip-api.com/json/")
	cfg.GeoIPBatchURL = envStr("PROXYHAVEN_GEOIP_BATCH_URL", "http://ip-api.com/batch")
	cfg.GeoIPRequestsPerMinute = envInt("PROXYHAVEN_GEOIP_REQUESTS_PER_MINUTE", 45, &errs)
	cfg.GeoIPOfflineDBPath = envStr("PROXYHAVEN_GEOIP_OFFLINE_DB_PATH", "")
	cfg.GeoIPOfflineUpdateSchedule = envStr("PROXYHAVEN_GEOIP_OFFLINE_UPDATE_SCHEDULE", "0 7 * * *")

	// --- Validation ---
	if cfg.DatabasePath == "" {
		errs = append(errs, "PROXYHAVEN_DB_PATH must not be empty")
	}
	validatePositive("PROXYHAVEN_SCANNER_RATE", cfg.ScannerRate, &errs)
	for _, p := range cfg.ScannerDefaultPorts {
		validatePort("PROXYHAVEN_SCANNER_DEFAULT_PORTS", p, &errs)
	}
	if cfg.ValidatorTimeout <= 0 {
		errs = append(errs, "PROXYHAVEN_VALIDATOR_TIMEOUT must be positive")
	}
	validatePositive("PROXYHAVEN_PIPELINE_CONCURRENCY", cfg.PipelineConcurrency, &errs)
	validatePositive("PROXYHAVEN_GATEWAY_POOL_SIZE", cfg.GatewayPoolSize, &errs)
	switch cfg.GatewayRotationStrategy {
	case "random", "round-robin":
	default:
		errs = append(errs, fmt.Sprintf("PROXYHAVEN_GATEWAY_ROTATION_STRATEGY: invalid value %q (allowed: random, round-robin)", cfg.GatewayRotationStrategy))
	}
	if cfg.LifecycleSweepInterval <= 0 {
		errs = append(errs, "PROXYHAVEN_LIFECYCLE_SWEEP_INTERVAL must be positive")
	}
	validatePositive("PROXYHAVEN_LIFECYCLE_SWEEP_BATCH_SIZE", cfg.LifecycleSweepBatchSize, &errs)
	if cfg.LifecycleEvictThreshold < 0 || cfg.LifecycleEvictThreshold > 100 {
		errs = append(errs, "PROXYHAVEN_LIFECYCLE_EVICT_THRESHOLD must be within 0-100")
	}
	validatePositive("PROXYHAVEN_GEOIP_REQUESTS_PER_MINUTE", cfg.GeoIPRequestsPerMinute, &errs)
	if cfg.GeoIPOfflineDBPath != "" {
		if _, err := cron.ParseStandard(cfg.GeoIPOfflineUpdateSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("PROXYHAVEN_GEOIP_OFFLINE_UPDATE_SCHEDULE: invalid cron expression %q: %v", cfg.GeoIPOfflineUpdateSchedule, err))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envIntSlice(key string, defaultVal []int, errs *[]string) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	fields := strings.Split(v, ",")
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q in list", key, f))
			continue
		}
		out = append(out, n)
	}
	return out
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
