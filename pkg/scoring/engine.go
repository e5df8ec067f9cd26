package scoring

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/config"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// HighThreshold is the fixed score at which a device counts as highly
// utilized. It does not follow the configurable thresholds.
const HighThreshold = 70.0

// Aggregates are the window averages the score is computed from.
type Aggregates struct {
	GPUUtil   float64 // %
	MemCopy   float64 // %
	MemUsedMB float64
	MemFreeMB float64
	PowerW    float64
	SMClock   float64 // MHz
}

type Weights struct {
	GPUUtil float64
	MemCopy float64
	MemUsed float64
	Power   float64
}

type Thresholds struct {
	Idle float64
	Low  float64
}

// Engine turns telemetry aggregates into a DeviceMetrics record.
type Engine struct {
	weights         Weights
	thresholds      Thresholds
	defaultMemoryMB float64
	defaultPowerW   float64
	now             func() time.Time
}

// NewEngine builds an Engine from configuration.
func NewEngine(cfg *config.Config) *Engine {
	return &Engine{
		weights: Weights{
			GPUUtil: cfg.Scoring.GPUUtilWeight,
			MemCopy: cfg.Scoring.MemCopyWeight,
			MemUsed: cfg.Scoring.MemUsedWeight,
			Power:   cfg.Scoring.PowerWeight,
		},
		thresholds: Thresholds{
			Idle: cfg.Thresholds.Idle,
			Low:  cfg.Thresholds.LowUtilization,
		},
		defaultMemoryMB: cfg.GPUDefaults.MemoryMB,
		defaultPowerW:   cfg.GPUDefaults.PowerW,
		now:             time.Now,
	}
}

// ComputeScore calculates the composite utilization score for one device.
//
// Formula (each term clamped to [0,1] before weighting):
//   - w_util    * gpu_util/100
//   - w_memcopy * mem_copy/100
//   - w_memused * used/(used+free)
//   - w_power   * power/rated_power
//
// The sum is scaled to 0-100 and rounded to one decimal. Weights are applied
// as configured, without renormalization.
func (e *Engine) ComputeScore(id model.DeviceIdentity, agg Aggregates) model.DeviceMetrics {
	total := agg.MemUsedMB + agg.MemFreeMB
	if total <= 0 {
		total = e.defaultMemoryMB
		logrus.WithField("gpu_id", id.ID).
			Warnf("Unable to get actual memory total, using default %.0f MB", total)
	}

	memRatio := 0.0
	if total > 0 {
		memRatio = clamp01(agg.MemUsedMB / total)
	}
	powerRatio := 0.0
	if e.defaultPowerW > 0 {
		powerRatio = clamp01(agg.PowerW / e.defaultPowerW)
	}

	raw := e.weights.GPUUtil*clamp01(agg.GPUUtil/100) +
		e.weights.MemCopy*clamp01(agg.MemCopy/100) +
		e.weights.MemUsed*memRatio +
		e.weights.Power*powerRatio

	score := math.Min(math.Max(model.Round1(raw*100), 0), 100)

	return model.DeviceMetrics{
		ID:              id.ID,
		Pod:             id.Pod,
		Namespace:       id.Namespace,
		Hostname:        id.Hostname,
		ModelName:       id.ModelName,
		GPUUtil:         model.RoundN(agg.GPUUtil, 2),
		MemCopy:         model.RoundN(agg.MemCopy, 2),
		MemUsedMB:       model.Round1(agg.MemUsedMB),
		MemTotalMB:      model.Round1(total),
		MemUsagePercent: model.RoundN(memRatio*100, 2),
		PowerUsage:      model.Round1(agg.PowerW),
		SMClock:         math.Round(agg.SMClock),
		Score:           score,
		Status:          e.Classify(score),
		Timestamp:       e.now().UTC(),
	}
}

// Classify maps a score onto the engine's threshold ladder.
func (e *Engine) Classify(score float64) model.Status {
	return Classify(score, e.thresholds)
}

// Thresholds returns the configured idle/low thresholds.
func (e *Engine) Thresholds() Thresholds { return e.thresholds }

// ApplyClassification attaches c to m. An adjusted score replaces the
// composite score and the status is derived again through Classify.
func (e *Engine) ApplyClassification(m *model.DeviceMetrics, c *model.SemanticClassification) {
	if c == nil {
		return
	}
	m.Classification = c
	if c.AdjustedScore != nil {
		m.Score = *c.AdjustedScore
		m.Status = e.Classify(m.Score)
	}
}

// Classify is the threshold ladder: [0,idle) idle, [idle,low) low,
// [low,70) normal, [70,∞) high.
func Classify(score float64, t Thresholds) model.Status {
	switch {
	case score < t.Idle:
		return model.StatusIdle
	case score < t.Low:
		return model.StatusLow
	case score < HighThreshold:
		return model.StatusNormal
	default:
		return model.StatusHigh
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
