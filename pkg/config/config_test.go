package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://prometheus:9090", cfg.Prometheus.URL)
	assert.Equal(t, 20.0, cfg.Thresholds.LowUtilization)
	assert.Equal(t, 10.0, cfg.Thresholds.Idle)
	assert.Equal(t, 300*time.Second, cfg.Scheduler.Interval())
	assert.Equal(t, 8, cfg.Scheduler.MaxWorkers)
	assert.NoError(t, cfg.Validate())
}

func TestLoadYAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
prometheus:
  url: http://vm:8428
  time_window_min: 5
  step: 15s
scoring:
  gpu_util_weight: 0.7
thresholds:
  low_utilization: 30
  idle: 5
ai:
  enabled: true
  api_url: http://llm/v1/chat/completions
  retry_delay: 500ms
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("THRESHOLD", "25")
	t.Setenv("AI_API_KEY", "secret")
	t.Setenv("AI_RETRY_DELAY", "1.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://vm:8428", cfg.Prometheus.URL)
	assert.Equal(t, 5, cfg.Prometheus.TimeWindowMin)
	assert.Equal(t, "15s", cfg.Prometheus.Step)
	assert.Equal(t, 0.7, cfg.Scoring.GPUUtilWeight)
	// Untouched keys keep their defaults.
	assert.Equal(t, 0.2, cfg.Scoring.MemCopyWeight)
	assert.Equal(t, 25.0, cfg.Thresholds.LowUtilization)
	assert.Equal(t, 5.0, cfg.Thresholds.Idle)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "secret", cfg.AI.APIKey)
	assert.Equal(t, 1500*time.Millisecond, cfg.AI.RetryDelay)
	assert.NoError(t, cfg.Validate())

	redacted := cfg.Redacted()
	assert.Equal(t, "***", redacted.AI.APIKey)
	assert.Equal(t, "secret", cfg.AI.APIKey)
}

func TestLoadNumericDurationsAreSeconds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
prometheus:
  timeout: 10
control:
  timeout: 5
ai:
  retry_delay: 2.0
  timeout: 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Prometheus.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Control.Timeout)
	assert.Equal(t, 2*time.Second, cfg.AI.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.AI.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDurationStringsAndAbsentKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
ai:
  timeout: 1m30s
  retry_delay: 0.25
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.AI.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.AI.RetryDelay)
	assert.Equal(t, Default().Prometheus.Timeout, cfg.Prometheus.Timeout)
	assert.Equal(t, Default().Control.Timeout, cfg.Control.Timeout)
}

func TestLoadInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ai:\n  timeout: soon\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prometheus: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{
			name:    "threshold above 100",
			mutate:  func(c *Config) { c.Thresholds.LowUtilization = 101 },
			wantErr: "low_utilization",
		},
		{
			name:    "negative threshold",
			mutate:  func(c *Config) { c.Thresholds.Idle = -1 },
			wantErr: "thresholds.idle",
		},
		{
			name:    "idle above low",
			mutate:  func(c *Config) { c.Thresholds.Idle = 30 },
			wantErr: "must not exceed",
		},
		{
			name:    "ai enabled without url",
			mutate:  func(c *Config) { c.AI.Enabled = true },
			wantErr: "ai.api_url",
		},
		{
			name:    "control enabled without url",
			mutate:  func(c *Config) { c.Control.Enabled = true },
			wantErr: "control.api_url",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Scheduler.IntervalSeconds = 0 },
			wantErr: "interval",
		},
		{
			name:    "zero workers",
			mutate:  func(c *Config) { c.Scheduler.MaxWorkers = 0 },
			wantErr: "max_workers",
		},
		{
			name:    "bad step",
			mutate:  func(c *Config) { c.Prometheus.Step = "thirty" },
			wantErr: "prometheus.step",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Scoring.PowerWeight = -0.1 },
			wantErr: "weights",
		},
		{
			name:    "nanosecond ai timeout",
			mutate:  func(c *Config) { c.AI.Timeout = 30 },
			wantErr: "ai.timeout",
		},
		{
			name:    "nanosecond prometheus timeout",
			mutate:  func(c *Config) { c.Prometheus.Timeout = 10 },
			wantErr: "prometheus.timeout",
		},
		{
			name:    "zero control timeout",
			mutate:  func(c *Config) { c.Control.Timeout = 0 },
			wantErr: "control.timeout",
		},
		{
			name:    "nanosecond retry delay",
			mutate:  func(c *Config) { c.AI.RetryDelay = 2 },
			wantErr: "ai.retry_delay",
		},
		{
			name:   "retry delay unused without retries",
			mutate: func(c *Config) { c.AI.RetryTimes = 0; c.AI.RetryDelay = 0 },
		},
		{
			name:    "zero default power",
			mutate:  func(c *Config) { c.GPUDefaults.PowerW = 0 },
			wantErr: "power_w",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
