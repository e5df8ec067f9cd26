package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	promModel "github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// DCGM exporter metric names.
const (
	MetricGPUUtil     = "DCGM_FI_DEV_GPU_UTIL"
	MetricMemCopyUtil = "DCGM_FI_DEV_MEM_COPY_UTIL"
	MetricFBUsed      = "DCGM_FI_DEV_FB_USED"
	MetricFBFree      = "DCGM_FI_DEV_FB_FREE"
	MetricPowerUsage  = "DCGM_FI_DEV_POWER_USAGE"
	MetricSMClock     = "DCGM_FI_DEV_SM_CLOCK"
)

const defaultQueryTimeout = 10 * time.Second

// Client queries GPU telemetry from a Prometheus-compatible store. Every
// method degrades to a zero value on failure instead of returning an error.
type Client struct {
	api       v1.API
	condition string
	window    time.Duration
	step      time.Duration
	timeout   time.Duration
	now       func() time.Time
	log       *logrus.Entry
}

// NewClient creates a telemetry client for the store at cfg.URL.
func NewClient(cfg config.PrometheusConfig) (*Client, error) {
	promClient, err := api.NewClient(api.Config{
		Address: cfg.URL,
		Client:  &http.Client{},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create prometheus client")
	}
	return newClient(v1.NewAPI(promClient), cfg)
}

func newClient(promAPI v1.API, cfg config.PrometheusConfig) (*Client, error) {
	step, err := promModel.ParseDuration(cfg.Step)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid step %q", cfg.Step)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Client{
		api:       promAPI,
		condition: normalizeCondition(cfg.QueryCondition),
		window:    time.Duration(cfg.TimeWindowMin) * time.Minute,
		step:      time.Duration(step),
		timeout:   timeout,
		now:       time.Now,
		log:       logrus.WithField("component", "telemetry"),
	}, nil
}

// Window returns the lookback window.
func (c *Client) Window() time.Duration { return c.window }

// QueryWindowAverage returns the mean of metric for the device over the
// lookback window, or 0 when there is no usable data.
func (c *Client) QueryWindowAverage(ctx context.Context, metric, deviceID string) float64 {
	window := c.QueryWindowSeries(ctx, metric, deviceID)
	if window.Len() == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range window.Samples {
		sum += s.Value
	}
	return sum / float64(window.Len())
}

// QueryWindowSeries returns the samples of metric for the device over the
// lookback window. NaN and Inf samples are dropped.
func (c *Client) QueryWindowSeries(ctx context.Context, metric, deviceID string) model.TimeSeriesWindow {
	matrix, err := c.queryRange(ctx, c.selector(metric, deviceID))
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"metric": metric,
			"gpu_id": deviceID,
		}).WithError(err).Warn("Range query failed")
		return model.TimeSeriesWindow{}
	}
	if len(matrix) == 0 {
		return model.TimeSeriesWindow{}
	}

	values := matrix[0].Values
	samples := make([]model.Sample, 0, len(values))
	for _, p := range values {
		v := float64(p.Value)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		samples = append(samples, model.Sample{
			Timestamp: float64(p.Timestamp.UnixNano()) / 1e9,
			Value:     v,
		})
	}
	return model.TimeSeriesWindow{Samples: samples}
}

// QueryBundle fetches the four windows used by the semantic classifier.
func (c *Client) QueryBundle(ctx context.Context, deviceID string) model.TimeSeriesBundle {
	return model.TimeSeriesBundle{
		DeviceID: deviceID,
		GPUUtil:  c.QueryWindowSeries(ctx, MetricGPUUtil, deviceID),
		MemUsed:  c.QueryWindowSeries(ctx, MetricFBUsed, deviceID),
		Power:    c.QueryWindowSeries(ctx, MetricPowerUsage, deviceID),
		MemCopy:  c.QueryWindowSeries(ctx, MetricMemCopyUtil, deviceID),
	}
}

// DiscoverDevices lists the GPUs currently reporting utilization under the
// assigned condition. It returns an empty list on failure.
func (c *Client) DiscoverDevices(ctx context.Context) []model.DeviceIdentity {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	end := c.now()
	match := fmt.Sprintf("%s{%s}", MetricGPUUtil, c.condition)
	labelSets, warnings, err := c.api.Series(ctx, []string{match}, end.Add(-c.window), end)
	if err != nil {
		c.log.WithError(errors.Wrap(err, "series query failed")).Error("Failed to list GPUs")
		return []model.DeviceIdentity{}
	}
	if len(warnings) > 0 {
		c.log.Warnf("Prometheus series warnings: %v", warnings)
	}

	devices := make([]model.DeviceIdentity, 0, len(labelSets))
	seen := make(map[string]struct{}, len(labelSets))
	for _, ls := range labelSets {
		id := string(ls["UUID"])
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		hostname := string(ls["Hostname"])
		if hostname == "" {
			hostname = string(ls["kubernetes_node"])
		}
		devices = append(devices, model.DeviceIdentity{
			ID:        id,
			Pod:       string(ls["pod"]),
			Namespace: string(ls["namespace"]),
			Hostname:  hostname,
			GPUIndex:  string(ls["gpu"]),
			ModelName: string(ls["modelName"]),
		})
	}

	c.log.Infof("Found %d active GPUs", len(devices))
	return devices
}

// HealthCheck reports whether the store answers a trivial instant query.
func (c *Client) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, _, err := c.api.Query(ctx, "up", c.now()); err != nil {
		c.log.WithError(err).Warn("Prometheus health check failed")
		return false
	}
	return true
}

func (c *Client) queryRange(ctx context.Context, query string) (promModel.Matrix, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	end := c.now()
	result, warnings, err := c.api.QueryRange(ctx, query, v1.Range{
		Start: end.Add(-c.window),
		End:   end,
		Step:  c.step,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "query_range %s", query)
	}
	if len(warnings) > 0 {
		c.log.Warnf("Prometheus query range warnings for %s: %v", query, warnings)
	}

	if result == nil {
		return nil, nil
	}
	matrix, ok := result.(promModel.Matrix)
	if !ok {
		return nil, errors.Errorf("unexpected result type %s for %s", result.Type(), query)
	}
	return matrix, nil
}

// selector puts every label filter inside one set of braces.
func (c *Client) selector(metric, deviceID string) string {
	matchers := make([]string, 0, 2)
	if c.condition != "" {
		matchers = append(matchers, c.condition)
	}
	matchers = append(matchers, fmt.Sprintf("UUID=%q", deviceID))
	return fmt.Sprintf("%s{%s}", metric, strings.Join(matchers, ", "))
}

func normalizeCondition(cond string) string {
	cond = strings.TrimSpace(cond)
	cond = strings.TrimPrefix(cond, "{")
	cond = strings.TrimSuffix(cond, "}")
	return strings.TrimSpace(cond)
}
