package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		stats := Summarize(nil, 20, 10)
		assert.Equal(t, 0, stats.TotalGPUs)
		assert.Equal(t, 0.0, stats.AvgScore)
		assert.Empty(t, stats.ByStatus)
		assert.Empty(t, stats.ByNamespace)
	})

	t.Run("mixed namespaces", func(t *testing.T) {
		devices := []DeviceMetrics{
			{ID: "a", Namespace: "train", Score: 5, Status: StatusIdle},
			{ID: "b", Namespace: "train", Score: 15, Status: StatusLow},
			{ID: "c", Namespace: "serve", Score: 80, Status: StatusHigh},
		}
		stats := Summarize(devices, 20, 10)

		assert.Equal(t, 3, stats.TotalGPUs)
		assert.Equal(t, 33.3, stats.AvgScore)
		assert.Equal(t, 5.0, stats.MinScore)
		assert.Equal(t, 80.0, stats.MaxScore)
		assert.Equal(t, 2, stats.LowUtilizationCount)
		assert.Equal(t, 1, stats.IdleCount)
		assert.Equal(t, 1, stats.ByStatus[StatusIdle])
		assert.Equal(t, 1, stats.ByStatus[StatusHigh])

		assert.Equal(t, 2, stats.ByNamespace["train"].Count)
		assert.Equal(t, 10.0, stats.ByNamespace["train"].AvgScore)
		assert.Equal(t, 2, stats.ByNamespace["train"].LowUtilCount)
		assert.Equal(t, 0, stats.ByNamespace["serve"].LowUtilCount)
	})
}

func TestClassifierStatusValid(t *testing.T) {
	assert.True(t, ClassifierActive.Valid())
	assert.True(t, ClassifierIdle.Valid())
	assert.True(t, ClassifierSuspicious.Valid())
	assert.False(t, ClassifierStatus("busy").Valid())
	assert.False(t, ClassifierStatus("").Valid())
}

func TestRound(t *testing.T) {
	assert.Equal(t, 63.5, Round1(63.49999999))
	assert.Equal(t, 1.23, RoundN(1.2345, 2))
}
