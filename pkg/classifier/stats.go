package classifier

import "math"

// SeriesStats are the summary statistics of one telemetry window.
type SeriesStats struct {
	Mean       float64
	Min        float64
	Max        float64
	Std        float64 // population standard deviation
	ChangeRate float64 // |last-first| / (first+1e-6) * 100
}

// ComputeStats summarizes values. An empty input yields all zeros.
func ComputeStats(values []float64) SeriesStats {
	if len(values) == 0 {
		return SeriesStats{}
	}

	s := SeriesStats{Min: values[0], Max: values[0]}
	sum := 0.0
	for _, v := range values {
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - s.Mean
		variance += d * d
	}
	s.Std = math.Sqrt(variance / float64(len(values)))

	if len(values) > 1 {
		first, last := values[0], values[len(values)-1]
		s.ChangeRate = math.Abs(last-first) / (first + 1e-6) * 100
	}
	return s
}

// scaled divides every statistic except the change rate by d.
func (s SeriesStats) scaled(d float64) SeriesStats {
	return SeriesStats{
		Mean:       s.Mean / d,
		Min:        s.Min / d,
		Max:        s.Max / d,
		Std:        s.Std / d,
		ChangeRate: s.ChangeRate,
	}
}
