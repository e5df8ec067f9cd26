package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
	"github.com/kunal/gpu-utilization-monitor/pkg/scoring"
	"github.com/kunal/gpu-utilization-monitor/pkg/telemetry"
)

// TelemetrySource is the part of the telemetry client the analyzer needs.
type TelemetrySource interface {
	DiscoverDevices(ctx context.Context) []model.DeviceIdentity
	QueryWindowAverage(ctx context.Context, metric, deviceID string) float64
	QueryBundle(ctx context.Context, deviceID string) model.TimeSeriesBundle
}

// Classifier re-evaluates a scored device. A nil result with a nil error
// means classification is off.
type Classifier interface {
	Enabled() bool
	Classify(ctx context.Context, deviceID string, bundle model.TimeSeriesBundle, rawScore float64) (*model.SemanticClassification, error)
}

// Analyzer runs one scoring batch over every discovered device.
type Analyzer struct {
	source     TelemetrySource
	engine     *scoring.Engine
	classifier Classifier
	maxWorkers int
	log        *logrus.Entry
}

// New creates an Analyzer. classifier may be nil.
func New(source TelemetrySource, engine *scoring.Engine, classifier Classifier, maxWorkers int) *Analyzer {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Analyzer{
		source:     source,
		engine:     engine,
		classifier: classifier,
		maxWorkers: maxWorkers,
		log:        logrus.WithField("component", "analyzer"),
	}
}

// ClassifierEnabled reports whether a configured classifier is switched on.
func (a *Analyzer) ClassifierEnabled() bool {
	return a.classifier != nil && a.classifier.Enabled()
}

// RunBatch scores all devices with a fixed pool of workers and returns the
// results in ascending score order. Devices whose processing fails are
// logged and left out.
func (a *Analyzer) RunBatch(ctx context.Context, useClassifier bool) []model.DeviceMetrics {
	devices := a.source.DiscoverDevices(ctx)
	if len(devices) == 0 {
		a.log.Warn("No GPUs found")
		return []model.DeviceMetrics{}
	}

	classify := useClassifier && a.ClassifierEnabled()
	a.log.Infof("Analyzing %d GPUs with %d workers (classifier: %v)", len(devices), a.maxWorkers, classify)
	start := time.Now()

	jobs := make(chan model.DeviceIdentity)
	out := make(chan model.DeviceMetrics, len(devices))

	var wg sync.WaitGroup
	workers := a.maxWorkers
	if workers > len(devices) {
		workers = len(devices)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				m, err := a.processDevice(ctx, id, classify)
				if err != nil {
					a.log.WithField("gpu_id", id.ID).WithError(err).Error("Failed to compute GPU score")
					continue
				}
				out <- m
			}
		}()
	}

	for _, id := range devices {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]model.DeviceMetrics, 0, len(devices))
	for m := range out {
		results = append(results, m)
	}
	sortByScore(results)

	a.log.Infof("Analysis completed: %d/%d GPUs in %s", len(results), len(devices), time.Since(start).Round(time.Millisecond))
	return results
}

// processDevice scores one device. Panics are turned into errors so a bad
// device never takes down its siblings.
func (a *Analyzer) processDevice(ctx context.Context, id model.DeviceIdentity, classify bool) (m model.DeviceMetrics, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic while scoring: %v", r)
		}
	}()

	agg := scoring.Aggregates{
		GPUUtil:   a.source.QueryWindowAverage(ctx, telemetry.MetricGPUUtil, id.ID),
		MemCopy:   a.source.QueryWindowAverage(ctx, telemetry.MetricMemCopyUtil, id.ID),
		MemUsedMB: a.source.QueryWindowAverage(ctx, telemetry.MetricFBUsed, id.ID),
		MemFreeMB: a.source.QueryWindowAverage(ctx, telemetry.MetricFBFree, id.ID),
		PowerW:    a.source.QueryWindowAverage(ctx, telemetry.MetricPowerUsage, id.ID),
		SMClock:   a.source.QueryWindowAverage(ctx, telemetry.MetricSMClock, id.ID),
	}
	m = a.engine.ComputeScore(id, agg)

	if !classify {
		return m, nil
	}

	bundle := a.source.QueryBundle(ctx, id.ID)
	c, cerr := a.classifier.Classify(ctx, id.ID, bundle, m.Score)
	if cerr != nil {
		a.log.WithField("gpu_id", id.ID).WithError(cerr).Warn("Classifier unavailable, keeping raw score")
		return m, nil
	}
	if c != nil {
		a.engine.ApplyClassification(&m, c)
	}
	return m, nil
}

func sortByScore(results []model.DeviceMetrics) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score < results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// FormatTable renders results as the fixed-width table logged after each
// batch.
func FormatTable(results []model.DeviceMetrics) string {
	if len(results) == 0 {
		return "No GPU data"
	}
	var b strings.Builder
	header := fmt.Sprintf("%-40s %8s %8s %-10s %-15s", "Namespace/Pod", "Score", "Util", "Status", "Classifier")
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("-", len(header)) + "\n")
	for _, r := range results {
		verdict := ""
		if c := r.Classification; c != nil {
			verdict = fmt.Sprintf("%s(%.2f)", c.Status, c.Confidence)
		}
		fmt.Fprintf(&b, "%-40s %7.1f%% %7.1f%% %-10s %-15s\n",
			truncate(r.Namespace+"/"+r.Pod, 40), r.Score, r.GPUUtil, r.Status, verdict)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
