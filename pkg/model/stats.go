package model

import (
	"math"
)

// NamespaceStats summarizes the devices of one namespace.
type NamespaceStats struct {
	Count        int     `json:"count"`
	AvgScore     float64 `json:"avg_score"`
	LowUtilCount int     `json:"low_util_count"`
}

// AnalysisStats summarizes a Snapshot.
type AnalysisStats struct {
	TotalGPUs           int                        `json:"total_gpus"`
	AvgScore            float64                    `json:"avg_score"`
	MinScore            float64                    `json:"min_score"`
	MaxScore            float64                    `json:"max_score"`
	LowUtilizationCount int                        `json:"low_utilization_count"`
	IdleCount           int                        `json:"idle_count"`
	ByStatus            map[Status]int             `json:"by_status"`
	ByNamespace         map[string]*NamespaceStats `json:"by_namespace"`
}

// Summarize computes AnalysisStats for devices against the low and idle
// thresholds. Averages are rounded to one decimal.
func Summarize(devices []DeviceMetrics, lowThreshold, idleThreshold float64) AnalysisStats {
	stats := AnalysisStats{
		ByStatus:    map[Status]int{},
		ByNamespace: map[string]*NamespaceStats{},
	}
	if len(devices) == 0 {
		return stats
	}

	stats.TotalGPUs = len(devices)
	stats.MinScore = math.Inf(1)
	stats.MaxScore = math.Inf(-1)
	sum := 0.0
	for _, d := range devices {
		sum += d.Score
		stats.MinScore = math.Min(stats.MinScore, d.Score)
		stats.MaxScore = math.Max(stats.MaxScore, d.Score)
		stats.ByStatus[d.Status]++

		ns, ok := stats.ByNamespace[d.Namespace]
		if !ok {
			ns = &NamespaceStats{}
			stats.ByNamespace[d.Namespace] = ns
		}
		ns.Count++
		ns.AvgScore += d.Score

		if d.Score < lowThreshold {
			stats.LowUtilizationCount++
			ns.LowUtilCount++
		}
		if d.Score < idleThreshold {
			stats.IdleCount++
		}
	}

	for _, ns := range stats.ByNamespace {
		ns.AvgScore = Round1(ns.AvgScore / float64(ns.Count))
	}
	stats.AvgScore = Round1(sum / float64(len(devices)))
	stats.MinScore = Round1(stats.MinScore)
	stats.MaxScore = Round1(stats.MaxScore)
	return stats
}

// Round1 rounds v to one decimal place.
func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// RoundN rounds v to n decimal places.
func RoundN(v float64, n int) float64 {
	p := math.Pow(10, float64(n))
	return math.Round(v*p) / p
}
