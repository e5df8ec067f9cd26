package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

const systemPrompt = "You are an expert in GPU workload analysis. Judge from monitoring data " +
	"whether a GPU is being used for effective computation."

// buildPrompt renders the user message for one device.
func buildPrompt(bundle model.TimeSeriesBundle, window time.Duration, rawScore float64) string {
	util := ComputeStats(bundle.GPUUtil.Values())
	memGB := ComputeStats(bundle.MemUsed.Values()).scaled(1024)
	power := ComputeStats(bundle.Power.Values())
	memCopy := ComputeStats(bundle.MemCopy.Values())

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze how this GPU was used over the last %d minutes and decide whether it is doing effective computation.\n\n",
		int(window.Minutes()))

	b.WriteString("## GPU metrics\n\n")
	writeSection(&b, 1, "GPU core utilization", "%", util, true)
	writeSection(&b, 2, "Memory used", " GB", memGB, false)
	writeSection(&b, 3, "Power draw", " W", power, false)
	writeSection(&b, 4, "Memory copy utilization", "%", memCopy, true)
	fmt.Fprintf(&b, "5. **Composite score**: %.1f/100\n\n", rawScore)

	b.WriteString(`## Required output

Reply with a single JSON object and nothing else:

{
    "status": "active" | "idle" | "suspicious",
    "confidence": 0.0-1.0,
    "reason": "short explanation",
    "recommendation": "suggested action",
    "adjusted_score": 0-100
}

**Status meaning:**
- "active": the GPU is doing effective computation (training or inference)
- "idle": the GPU is unused or not used effectively
- "suspicious": the state is unclear and needs manual review

**Guidance:**
1. Consider the variability and trend of each metric.
2. Strongly fluctuating utilization often indicates training.
3. High memory use with low utilization can mean a model was loaded but is not running.
4. Low power usually means the GPU is idle.
5. If the composite score does not match the real usage, correct it with adjusted_score.

Return the JSON object only.`)
	return b.String()
}

func writeSection(b *strings.Builder, n int, title, unit string, s SeriesStats, withChange bool) {
	fmt.Fprintf(b, "%d. **%s**\n", n, title)
	fmt.Fprintf(b, "   - mean: %.2f%s\n", s.Mean, unit)
	fmt.Fprintf(b, "   - min: %.2f%s\n", s.Min, unit)
	fmt.Fprintf(b, "   - max: %.2f%s\n", s.Max, unit)
	fmt.Fprintf(b, "   - std dev: %.2f%s\n", s.Std, unit)
	if withChange {
		fmt.Fprintf(b, "   - change rate: %.2f%%\n", s.ChangeRate)
	}
	b.WriteString("\n")
}
