package model

import (
	"time"
)

// Status is the utilization class derived from a composite score.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusLow    Status = "low"
	StatusNormal Status = "normal"
	StatusHigh   Status = "high"
)

// ClassifierStatus is the label assigned by the semantic classifier.
type ClassifierStatus string

const (
	ClassifierActive     ClassifierStatus = "active"
	ClassifierIdle       ClassifierStatus = "idle"
	ClassifierSuspicious ClassifierStatus = "suspicious"
)

// Valid reports whether s is one of the three accepted labels.
func (s ClassifierStatus) Valid() bool {
	switch s {
	case ClassifierActive, ClassifierIdle, ClassifierSuspicious:
		return true
	}
	return false
}

// DeviceIdentity identifies one monitored GPU for the duration of a batch.
type DeviceIdentity struct {
	ID        string `json:"gpu_id"`
	Pod       string `json:"pod"`
	Namespace string `json:"namespace"`
	Hostname  string `json:"hostname"`
	GPUIndex  string `json:"gpu_index"`
	ModelName string `json:"model_name"`
}

// DeviceMetrics is the outcome of scoring one device. It is not modified
// after the batch that produced it has been published.
type DeviceMetrics struct {
	ID        string `json:"gpu_id"`
	Pod       string `json:"pod"`
	Namespace string `json:"namespace"`
	Hostname  string `json:"hostname"`
	ModelName string `json:"model_name"`

	GPUUtil         float64 `json:"gpu_util"`
	MemCopy         float64 `json:"mem_copy"`
	MemUsedMB       float64 `json:"mem_used_mb"`
	MemTotalMB      float64 `json:"mem_total_mb"`
	MemUsagePercent float64 `json:"mem_usage_percent"`
	PowerUsage      float64 `json:"power_usage"`
	SMClock         float64 `json:"sm_clock"`

	Score     float64   `json:"score"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	Classification *SemanticClassification `json:"ai_analysis,omitempty"`
}

// SemanticClassification is the classifier's judgement for one device.
type SemanticClassification struct {
	DeviceID       string           `json:"gpu_id"`
	Status         ClassifierStatus `json:"status"`
	Confidence     float64          `json:"confidence"`
	Reason         string           `json:"reason"`
	Recommendation string           `json:"recommendation"`
	RawScore       float64          `json:"raw_score"`
	AdjustedScore  *float64         `json:"ai_adjusted_score,omitempty"`
}

// Sample is a single (timestamp, value) point. Timestamp is in epoch seconds.
type Sample struct {
	Timestamp float64 `json:"timestamp"`
	Value     float64 `json:"value"`
}

// TimeSeriesWindow holds the samples of one metric over the lookback window.
type TimeSeriesWindow struct {
	Samples []Sample `json:"samples"`
}

// Values returns the sample values in order.
func (w TimeSeriesWindow) Values() []float64 {
	values := make([]float64, len(w.Samples))
	for i, s := range w.Samples {
		values[i] = s.Value
	}
	return values
}

// Len returns the number of samples.
func (w TimeSeriesWindow) Len() int { return len(w.Samples) }

// TimeSeriesBundle groups the windows the classifier looks at.
type TimeSeriesBundle struct {
	DeviceID string           `json:"gpu_id"`
	GPUUtil  TimeSeriesWindow `json:"gpu_util_series"`
	MemUsed  TimeSeriesWindow `json:"mem_used_series"`
	Power    TimeSeriesWindow `json:"power_series"`
	MemCopy  TimeSeriesWindow `json:"mem_copy_series"`
}

// Snapshot is a completed batch. Devices are ordered by ascending score.
type Snapshot struct {
	ID          string          `json:"id"`
	Devices     []DeviceMetrics `json:"devices"`
	CompletedAt time.Time       `json:"completed_at"`
	Duration    time.Duration   `json:"duration"`
}
