package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/common/model"
	"gopkg.in/yaml.v2"
)

// Shorter durations are rejected by Validate.
const (
	minTimeout    = 100 * time.Millisecond
	minRetryDelay = 10 * time.Millisecond
)

// Config holds all configuration for the monitor service.
type Config struct {
	Prometheus  PrometheusConfig `json:"prometheus" yaml:"prometheus"`
	Scoring     ScoringConfig    `json:"scoring" yaml:"scoring"`
	Thresholds  ThresholdsConfig `json:"thresholds" yaml:"thresholds"`
	Scheduler   SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	GPUDefaults GPUDefaults      `json:"gpu_defaults" yaml:"gpu_defaults"`
	Control     ControlConfig    `json:"control" yaml:"control"`
	AI          AIConfig         `json:"ai" yaml:"ai"`
	Logging     LogConfig        `json:"logging" yaml:"logging"`
	Server      ServerConfig     `json:"server" yaml:"server"`
}

type PrometheusConfig struct {
	URL            string        `json:"url" yaml:"url"`
	QueryCondition string        `json:"query_condition" yaml:"query_condition"`
	TimeWindowMin  int           `json:"time_window_min" yaml:"time_window_min"`
	Step           string        `json:"step" yaml:"step"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
}

// ScoringConfig holds the composite score weights. They are not required to
// sum to 1.
type ScoringConfig struct {
	GPUUtilWeight float64 `json:"gpu_util_weight" yaml:"gpu_util_weight"`
	MemCopyWeight float64 `json:"mem_copy_weight" yaml:"mem_copy_weight"`
	MemUsedWeight float64 `json:"mem_used_weight" yaml:"mem_used_weight"`
	PowerWeight   float64 `json:"power_weight" yaml:"power_weight"`
}

type ThresholdsConfig struct {
	LowUtilization float64 `json:"low_utilization" yaml:"low_utilization"`
	Idle           float64 `json:"idle" yaml:"idle"`
}

type SchedulerConfig struct {
	IntervalSeconds int `json:"interval" yaml:"interval"`
	MaxWorkers      int `json:"max_workers" yaml:"max_workers"`
}

// Interval returns the scheduler interval as a duration.
func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

type GPUDefaults struct {
	MemoryMB float64 `json:"memory_mb" yaml:"memory_mb"`
	PowerW   float64 `json:"power_w" yaml:"power_w"`
}

type ControlConfig struct {
	Enabled bool          `json:"enabled" yaml:"enabled"`
	APIURL  string        `json:"api_url" yaml:"api_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type AIConfig struct {
	Enabled    bool          `json:"enabled" yaml:"enabled"`
	APIURL     string        `json:"api_url" yaml:"api_url"`
	APIKey     string        `json:"api_key,omitempty" yaml:"api_key"`
	Model      string        `json:"model" yaml:"model"`
	MaxTokens  int           `json:"max_tokens" yaml:"max_tokens"`
	RetryTimes int           `json:"retry_times" yaml:"retry_times"`
	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "text" or "json"
	File   string `json:"file" yaml:"file"`
}

type ServerConfig struct {
	HTTPPort int `json:"http_port" yaml:"http_port"`
	GRPCPort int `json:"grpc_port" yaml:"grpc_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Prometheus: PrometheusConfig{
			URL:            "http://prometheus:9090",
			QueryCondition: `pod!=""`,
			TimeWindowMin:  10,
			Step:           "30s",
			Timeout:        10 * time.Second,
		},
		Scoring: ScoringConfig{
			GPUUtilWeight: 0.5,
			MemCopyWeight: 0.2,
			MemUsedWeight: 0.2,
			PowerWeight:   0.1,
		},
		Thresholds: ThresholdsConfig{
			LowUtilization: 20,
			Idle:           10,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 300,
			MaxWorkers:      8,
		},
		GPUDefaults: GPUDefaults{
			MemoryMB: 32000,
			PowerW:   250,
		},
		Control: ControlConfig{
			Timeout: 5 * time.Second,
		},
		AI: AIConfig{
			Model:      "gpt-4",
			MaxTokens:  2000,
			RetryTimes: 3,
			RetryDelay: 2 * time.Second,
			Timeout:    30 * time.Second,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			HTTPPort: 8080,
			GRPCPort: 50051,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if it
// exists), then environment variables. An empty path falls back to
// CONFIG_PATH and then config.yaml.
func Load(path string) (*Config, error) {
	c := Default()

	if path == "" {
		path = envStr("CONFIG_PATH", "config.yaml")
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
		if err := applyYAMLDurations(data, c); err != nil {
			return nil, errors.Wrapf(err, "failed to parse durations in config file %s", path)
		}
	case os.IsNotExist(err):
	default:
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	c.applyEnv()
	return c, nil
}

func (c *Config) applyEnv() {
	c.Prometheus.URL = envStr("PROM_URL", c.Prometheus.URL)
	c.Prometheus.QueryCondition = envStr("QUERY_CONDITION", c.Prometheus.QueryCondition)
	c.Prometheus.TimeWindowMin = envInt("TIME_WINDOW_MIN", c.Prometheus.TimeWindowMin)
	c.Prometheus.Step = envStr("PROM_STEP", c.Prometheus.Step)

	c.Thresholds.LowUtilization = envFloat("THRESHOLD", c.Thresholds.LowUtilization)
	c.Thresholds.Idle = envFloat("IDLE_THRESHOLD", c.Thresholds.Idle)

	c.Scheduler.IntervalSeconds = envInt("INTERVAL", c.Scheduler.IntervalSeconds)
	c.Scheduler.MaxWorkers = envInt("MAX_WORKERS", c.Scheduler.MaxWorkers)

	c.Control.APIURL = envStr("CONTROL_API", c.Control.APIURL)
	c.Control.Enabled = envBool("CONTROL_API_ENABLED", c.Control.Enabled)

	c.AI.Enabled = envBool("AI_ENABLED", c.AI.Enabled)
	c.AI.APIURL = envStr("AI_API_URL", c.AI.APIURL)
	c.AI.APIKey = envStr("AI_API_KEY", c.AI.APIKey)
	c.AI.Model = envStr("AI_MODEL", c.AI.Model)
	c.AI.MaxTokens = envInt("AI_MAX_TOKENS", c.AI.MaxTokens)
	c.AI.RetryTimes = envInt("AI_RETRY_TIMES", c.AI.RetryTimes)
	c.AI.RetryDelay = envDuration("AI_RETRY_DELAY", c.AI.RetryDelay)

	c.Logging.Level = envStr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envStr("LOG_FORMAT", c.Logging.Format)
	c.Logging.File = envStr("LOG_FILE", c.Logging.File)

	c.Server.HTTPPort = envInt("HTTP_PORT", c.Server.HTTPPort)
	c.Server.GRPCPort = envInt("GRPC_PORT", c.Server.GRPCPort)
}

// Validate checks the configuration. Any error is fatal at startup.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.LowUtilization < 0 || t.LowUtilization > 100 {
		return errors.Errorf("thresholds.low_utilization must be between 0 and 100, got %v", t.LowUtilization)
	}
	if t.Idle < 0 || t.Idle > 100 {
		return errors.Errorf("thresholds.idle must be between 0 and 100, got %v", t.Idle)
	}
	if t.Idle > t.LowUtilization {
		return errors.Errorf("thresholds.idle (%v) must not exceed thresholds.low_utilization (%v)", t.Idle, t.LowUtilization)
	}

	s := c.Scoring
	if s.GPUUtilWeight < 0 || s.MemCopyWeight < 0 || s.MemUsedWeight < 0 || s.PowerWeight < 0 {
		return errors.New("scoring weights must not be negative")
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	if c.Scheduler.MaxWorkers <= 0 {
		return errors.New("scheduler.max_workers must be positive")
	}

	if c.Prometheus.URL == "" {
		return errors.New("prometheus.url is required")
	}
	if c.Prometheus.TimeWindowMin <= 0 {
		return errors.New("prometheus.time_window_min must be positive")
	}
	if _, err := model.ParseDuration(c.Prometheus.Step); err != nil {
		return errors.Wrapf(err, "invalid prometheus.step %q", c.Prometheus.Step)
	}

	if c.GPUDefaults.MemoryMB <= 0 {
		return errors.New("gpu_defaults.memory_mb must be positive")
	}
	if c.GPUDefaults.PowerW <= 0 {
		return errors.New("gpu_defaults.power_w must be positive")
	}

	if c.AI.Enabled && c.AI.APIURL == "" {
		return errors.New("ai.enabled is true but ai.api_url is not set")
	}
	if c.AI.RetryTimes < 0 {
		return errors.New("ai.retry_times must not be negative")
	}
	if c.AI.RetryTimes > 0 && c.AI.RetryDelay < minRetryDelay {
		return errors.Errorf("ai.retry_delay must be at least %v, got %v", minRetryDelay, c.AI.RetryDelay)
	}
	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"prometheus.timeout", c.Prometheus.Timeout},
		{"control.timeout", c.Control.Timeout},
		{"ai.timeout", c.AI.Timeout},
	} {
		if t.d < minTimeout {
			return errors.Errorf("%s must be at least %v, got %v", t.name, minTimeout, t.d)
		}
	}
	if c.Control.Enabled && c.Control.APIURL == "" {
		return errors.New("control.enabled is true but control.api_url is not set")
	}
	return nil
}

// Redacted returns a copy safe to expose over the API.
func (c *Config) Redacted() Config {
	out := *c
	if out.AI.APIKey != "" {
		out.AI.APIKey = "***"
	}
	return out
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return fallback
}

// envDuration accepts Go durations ("2s") or plain seconds ("2.5").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
