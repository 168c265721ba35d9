package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the video call room orchestrator.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string

	DatabaseURL string
	SQLitePath  string

	GracePeriod       time.Duration
	SweepInterval     time.Duration
	PendingStaleAfter time.Duration

	AutomationMode           string
	AutomationGatewayURL     string
	AutomationGatewayToken   string
	AutomationBotUserID      int64
	AutomationCallsPerSec    float64
	AutomationMaxAttempts    int
	AutomationMaxRateWaits   int
	AutomationMaxRateWait    time.Duration
	AutomationBackoffBase    time.Duration
	AutomationBackoffCap     time.Duration
	AutomationRequestTimeout time.Duration

	CommissionPercentage int

	TracingEnabled      bool
	TracingExporter     string
	TracingEndpoint     string
	TracingSamplingRate float64
}

// source resolves keys from the environment first, then from the optional
// YAML overlay named by CALLROOM_CONFIG_FILE.
type source struct {
	file map[string]string
}

// Load reads the optional config file and environment variables and applies safe defaults.
func Load() (Config, error) {
	src, err := loadSource(trimSpace(os.Getenv("CALLROOM_CONFIG_FILE")))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddr:               src.orDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       src.orDefault("APP_METRICS_NAMESPACE", "callroom"),
		LogLevel:               src.get("LOG_LEVEL"),
		DatabaseURL:            src.get("DATABASE_URL"),
		SQLitePath:             src.get("SQLITE_PATH"),
		AutomationMode:         strings.ToLower(src.orDefault("AUTOMATION_MODE", "gateway")),
		AutomationGatewayURL:   src.get("AUTOMATION_GATEWAY_URL"),
		AutomationGatewayToken: src.get("AUTOMATION_GATEWAY_TOKEN"),
		TracingExporter:        strings.ToLower(src.orDefault("OTEL_EXPORTER", "grpc")),
		TracingEndpoint:        src.orDefault("OTEL_ENDPOINT", "localhost:4317"),

		ShutdownTimeout:   15 * time.Second,
		GracePeriod:       5 * time.Minute,
		SweepInterval:     30 * time.Second,
		PendingStaleAfter: 2 * time.Hour,

		AutomationCallsPerSec:    1,
		AutomationMaxAttempts:    3,
		AutomationMaxRateWaits:   3,
		AutomationMaxRateWait:    10 * time.Minute,
		AutomationBackoffBase:    500 * time.Millisecond,
		AutomationBackoffCap:     10 * time.Second,
		AutomationRequestTimeout: 15 * time.Second,

		CommissionPercentage: 20,
		TracingSamplingRate:  1,
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"VIDEOCALL_GRACE_PERIOD", &cfg.GracePeriod},
		{"VIDEOCALL_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"VIDEOCALL_PENDING_STALE_AFTER", &cfg.PendingStaleAfter},
		{"AUTOMATION_MAX_RATE_LIMIT_WAIT", &cfg.AutomationMaxRateWait},
		{"AUTOMATION_BACKOFF_BASE", &cfg.AutomationBackoffBase},
		{"AUTOMATION_BACKOFF_CAP", &cfg.AutomationBackoffCap},
		{"AUTOMATION_REQUEST_TIMEOUT", &cfg.AutomationRequestTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = src.durationValue(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"AUTOMATION_MAX_ATTEMPTS", &cfg.AutomationMaxAttempts},
		{"AUTOMATION_MAX_RATE_LIMIT_WAITS", &cfg.AutomationMaxRateWaits},
		{"COMMISSION_PERCENTAGE", &cfg.CommissionPercentage},
	}
	for _, i := range ints {
		if *i.dst, err = src.intValue(i.key, *i.dst); err != nil {
			return Config{}, err
		}
	}

	cfg.AutomationBotUserID, err = src.int64Value("AUTOMATION_BOT_USER_ID", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.AutomationCallsPerSec, err = src.floatValue("AUTOMATION_CALLS_PER_SECOND", cfg.AutomationCallsPerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingSamplingRate, err = src.floatValue("OTEL_SAMPLING_RATE", cfg.TracingSamplingRate)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingEnabled, err = src.boolValue("OTEL_ENABLED", false)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ProvisionBudget is the longest the automation client may spend provisioning one room:
// a create and a promote call, each with every rate-limit wait, every transient retry
// and its backoff, and proactive pacing before every try.
func (c Config) ProvisionBudget() time.Duration {
	const callsPerProvision = 2

	tries := time.Duration(c.AutomationMaxRateWaits + c.AutomationMaxAttempts)
	var pace time.Duration
	if c.AutomationCallsPerSec > 0 {
		pace = time.Duration(float64(time.Second) / c.AutomationCallsPerSec)
	}
	perCall := time.Duration(c.AutomationMaxRateWaits)*c.AutomationMaxRateWait +
		tries*(c.AutomationRequestTimeout+pace) +
		time.Duration(c.AutomationMaxAttempts-1)*c.AutomationBackoffCap
	return callsPerProvision * perCall
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	if c.GracePeriod < 0 {
		return fmt.Errorf("VIDEOCALL_GRACE_PERIOD must be >= 0")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("VIDEOCALL_SWEEP_INTERVAL must be at least 1s")
	}
	if c.PendingStaleAfter <= 0 {
		return fmt.Errorf("VIDEOCALL_PENDING_STALE_AFTER must be positive")
	}
	switch c.AutomationMode {
	case "gateway":
		if c.AutomationGatewayURL == "" {
			return fmt.Errorf("AUTOMATION_GATEWAY_URL is required when AUTOMATION_MODE=gateway")
		}
	case "mock":
	default:
		return fmt.Errorf("invalid AUTOMATION_MODE: %q (expected gateway|mock)", c.AutomationMode)
	}
	if c.AutomationMaxAttempts <= 0 {
		return fmt.Errorf("AUTOMATION_MAX_ATTEMPTS must be positive")
	}
	if c.AutomationMaxRateWaits < 0 {
		return fmt.Errorf("AUTOMATION_MAX_RATE_LIMIT_WAITS must be >= 0")
	}
	if c.AutomationCallsPerSec < 0 {
		return fmt.Errorf("AUTOMATION_CALLS_PER_SECOND must be >= 0")
	}
	if c.AutomationBackoffBase <= 0 || c.AutomationBackoffCap < c.AutomationBackoffBase {
		return fmt.Errorf("AUTOMATION_BACKOFF_BASE must be positive and not exceed AUTOMATION_BACKOFF_CAP")
	}
	if c.AutomationRequestTimeout <= 0 {
		return fmt.Errorf("AUTOMATION_REQUEST_TIMEOUT must be positive")
	}
	if c.AutomationMaxRateWaits > 0 && c.AutomationMaxRateWait <= 0 {
		return fmt.Errorf("AUTOMATION_MAX_RATE_LIMIT_WAIT must be positive when AUTOMATION_MAX_RATE_LIMIT_WAITS > 0")
	}
	if budget := c.ProvisionBudget(); c.PendingStaleAfter <= budget {
		return fmt.Errorf("VIDEOCALL_PENDING_STALE_AFTER (%s) must exceed the worst-case provisioning time %s", c.PendingStaleAfter, budget)
	}
	if c.CommissionPercentage < 0 || c.CommissionPercentage > 100 {
		return fmt.Errorf("COMMISSION_PERCENTAGE must be within [0,100]")
	}
	if c.TracingEnabled && c.TracingExporter != "grpc" && c.TracingExporter != "http" {
		return fmt.Errorf("invalid OTEL_EXPORTER: %q (expected grpc|http)", c.TracingExporter)
	}
	return nil
}

func loadSource(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return source{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return source{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	for k, v := range doc {
		if v == nil {
			continue
		}
		src.file[strings.ToUpper(trimSpace(k))] = trimSpace(fmt.Sprint(v))
	}
	return src, nil
}

func (s source) get(key string) string {
	if v := trimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return s.file[key]
}

func (s source) orDefault(key, fallback string) string {
	v := s.get(key)
	if v == "" {
		return fallback
	}
	return v
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func (s source) durationValue(key string, fallback time.Duration) (time.Duration, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func (s source) intValue(key string, fallback int) (int, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) int64Value(key string, fallback int64) (int64, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func (s source) floatValue(key string, fallback float64) (float64, error) {
	v := s.get(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func (s source) boolValue(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.get(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
