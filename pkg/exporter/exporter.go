package exporter

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

var (
	deviceLabels     = []string{"gpu_id", "pod", "namespace", "hostname"}
	scoreLabels      = []string{"gpu_id", "pod", "namespace", "hostname", "model", "status"}
	confidenceLabels = []string{"gpu_id", "pod", "namespace", "ai_status"}
	adjustedLabels   = []string{"gpu_id", "pod", "namespace"}
)

// Exporter keeps the Prometheus view of the latest Snapshot on its own
// registry.
type Exporter struct {
	registry      *prometheus.Registry
	lowThreshold  float64
	idleThreshold float64
	mu            sync.Mutex

	score      *prometheus.GaugeVec
	coreUtil   *prometheus.GaugeVec
	memUsed    *prometheus.GaugeVec
	power      *prometheus.GaugeVec
	memCopy    *prometheus.GaugeVec
	smClock    *prometheus.GaugeVec
	confidence *prometheus.GaugeVec
	adjusted   *prometheus.GaugeVec

	total      prometheus.Gauge
	lowCount   prometheus.Gauge
	idleCount  prometheus.Gauge
	avgScore   prometheus.Gauge
	byStatus   *prometheus.GaugeVec
	nsCount    *prometheus.GaugeVec
	nsAvgScore *prometheus.GaugeVec

	analyses  prometheus.Counter
	failures  prometheus.Counter
	durations prometheus.Histogram
	info      *prometheus.GaugeVec
}

// New registers all metrics and sets the service info gauge.
func New(cfg *config.Config, version string) *Exporter {
	e := &Exporter{
		registry:      prometheus.NewRegistry(),
		lowThreshold:  cfg.Thresholds.LowUtilization,
		idleThreshold: cfg.Thresholds.Idle,

		score:      gaugeVec("gpu_utilization_score", "Composite GPU utilization score (0-100)", scoreLabels),
		coreUtil:   gaugeVec("gpu_core_utilization", "GPU core utilization (%)", deviceLabels),
		memUsed:    gaugeVec("gpu_memory_used_mb", "GPU memory used (MB)", deviceLabels),
		power:      gaugeVec("gpu_power_usage_watts", "GPU power usage (W)", deviceLabels),
		memCopy:    gaugeVec("gpu_memory_copy_utilization", "GPU memory copy utilization (%)", deviceLabels),
		smClock:    gaugeVec("gpu_sm_clock_mhz", "GPU SM clock (MHz)", deviceLabels),
		confidence: gaugeVec("gpu_ai_analysis_confidence", "Classifier confidence (0-1)", confidenceLabels),
		adjusted:   gaugeVec("gpu_ai_adjusted_score", "Classifier adjusted score (0-100)", adjustedLabels),

		total:      prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpu_total_count", Help: "Number of analyzed GPUs"}),
		lowCount:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpu_low_utilization_count", Help: "Number of GPUs below the low threshold"}),
		idleCount:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpu_idle_count", Help: "Number of GPUs below the idle threshold"}),
		avgScore:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "gpu_average_score", Help: "Average GPU score"}),
		byStatus:   gaugeVec("gpu_status_count", "GPUs per status", []string{"status"}),
		nsCount:    gaugeVec("gpu_namespace_count", "GPUs per namespace", []string{"namespace"}),
		nsAvgScore: gaugeVec("gpu_namespace_average_score", "Average score per namespace", []string{"namespace"}),

		analyses: prometheus.NewCounter(prometheus.CounterOpts{Name: "gpu_analysis_total", Help: "Completed analysis runs"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{Name: "gpu_analysis_errors_total", Help: "Failed analysis runs"}),
		durations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpu_analysis_duration_seconds",
			Help:    "Analysis run duration (s)",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		info: gaugeVec("gpu_monitor_service_info", "GPU monitor service information", []string{"version", "threshold", "interval", "ai_enabled"}),
	}

	e.registry.MustRegister(
		e.score, e.coreUtil, e.memUsed, e.power, e.memCopy, e.smClock, e.confidence, e.adjusted,
		e.total, e.lowCount, e.idleCount, e.avgScore, e.byStatus, e.nsCount, e.nsAvgScore,
		e.analyses, e.failures, e.durations, e.info,
	)

	e.info.WithLabelValues(
		version,
		strconv.FormatFloat(cfg.Thresholds.LowUtilization, 'f', -1, 64),
		strconv.Itoa(cfg.Scheduler.IntervalSeconds),
		strconv.FormatBool(cfg.AI.Enabled),
	).Set(1)
	return e
}

func gaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
}

// Registry exposes the underlying registry.
func (e *Exporter) Registry() *prometheus.Registry { return e.registry }

// Handler serves the registry in the Prometheus exposition format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Publish replaces every per-device and fleet gauge with the contents of
// snap. Devices missing from snap disappear from the output.
func (e *Exporter) Publish(snap *model.Snapshot) {
	if snap == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range []*prometheus.GaugeVec{
		e.score, e.coreUtil, e.memUsed, e.power, e.memCopy, e.smClock,
		e.confidence, e.adjusted, e.byStatus, e.nsCount, e.nsAvgScore,
	} {
		v.Reset()
	}

	for _, d := range snap.Devices {
		id := truncate(d.ID, 32)
		modelName := truncate(d.ModelName, 20)
		if modelName == "" {
			modelName = "unknown"
		}

		e.score.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname, modelName, string(d.Status)).Set(d.Score)
		e.coreUtil.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname).Set(d.GPUUtil)
		e.memUsed.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname).Set(d.MemUsedMB)
		e.power.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname).Set(d.PowerUsage)
		e.memCopy.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname).Set(d.MemCopy)
		e.smClock.WithLabelValues(id, d.Pod, d.Namespace, d.Hostname).Set(d.SMClock)

		if c := d.Classification; c != nil {
			e.confidence.WithLabelValues(id, d.Pod, d.Namespace, string(c.Status)).Set(c.Confidence)
			if c.AdjustedScore != nil {
				e.adjusted.WithLabelValues(id, d.Pod, d.Namespace).Set(*c.AdjustedScore)
			}
		}
	}

	stats := model.Summarize(snap.Devices, e.lowThreshold, e.idleThreshold)
	e.total.Set(float64(stats.TotalGPUs))
	e.lowCount.Set(float64(stats.LowUtilizationCount))
	e.idleCount.Set(float64(stats.IdleCount))
	e.avgScore.Set(stats.AvgScore)
	for status, n := range stats.ByStatus {
		e.byStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	for ns, s := range stats.ByNamespace {
		e.nsCount.WithLabelValues(ns).Set(float64(s.Count))
		e.nsAvgScore.WithLabelValues(ns).Set(s.AvgScore)
	}

	logrus.WithField("component", "exporter").Debugf("Metrics updated for %d GPUs", len(snap.Devices))
}

// RecordAnalysis counts a completed run and observes its duration.
func (e *Exporter) RecordAnalysis(d time.Duration) {
	e.analyses.Inc()
	e.durations.Observe(d.Seconds())
}

// RecordFailure counts a failed run.
func (e *Exporter) RecordFailure() {
	e.failures.Inc()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
