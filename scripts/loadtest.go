package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// Hammers /results with concurrent readers while occasionally triggering
// /analyze, and checks that every response is a whole, score-sorted batch.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "Monitor HTTP address")
	concurrency := flag.Int("concurrency", 20, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	triggerPct := flag.Int("trigger-pct", 2, "Percent of requests that trigger /analyze")
	flag.Parse()

	log.Infof("🚀 Load test starting: addr=%s, concurrency=%d, duration=%v", *addr, *concurrency, *duration)

	client := resty.New().
		SetBaseURL(*addr).
		SetTimeout(10 * time.Second)

	var (
		totalRequests atomic.Int64
		totalErrors   atomic.Int64
		violations    atomic.Int64
		triggers      atomic.Int64
		mu            sync.Mutex
		latencies     []time.Duration
		statusDist    = make(map[model.Status]int)
	)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(clientID)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				if rng.Intn(100) < *triggerPct {
					resp, err := client.R().SetContext(ctx).Post("/analyze")
					if err != nil || resp.IsError() {
						totalErrors.Add(1)
						continue
					}
					triggers.Add(1)
					continue
				}

				var devices []model.DeviceMetrics
				reqStart := time.Now()
				resp, err := client.R().SetContext(ctx).SetResult(&devices).Get("/results")
				if err != nil || resp.IsError() {
					totalErrors.Add(1)
					continue
				}
				elapsed := time.Since(reqStart)
				totalRequests.Add(1)

				if !sorted(devices) {
					violations.Add(1)
					log.Warnf("⚠️  Client %d got an unsorted batch of %d devices", clientID, len(devices))
				}

				mu.Lock()
				latencies = append(latencies, elapsed)
				for _, d := range devices {
					statusDist[d.Status]++
				}
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	mu.Lock()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	mu.Unlock()

	total := totalRequests.Load()
	errs := totalErrors.Load()
	throughput := float64(total) / elapsed.Seconds()

	fmt.Println("\n" + "═══════════════════════════════════════════════════")
	fmt.Println("   🏁 LOAD TEST RESULTS")
	fmt.Println("═══════════════════════════════════════════════════")
	fmt.Printf("   Duration:      %v\n", elapsed.Round(time.Millisecond))
	fmt.Printf("   Concurrency:   %d\n", *concurrency)
	fmt.Printf("   Total Reads:   %d\n", total)
	fmt.Printf("   Triggers:      %d\n", triggers.Load())
	if total+errs > 0 {
		fmt.Printf("   Errors:        %d (%.1f%%)\n", errs, float64(errs)/float64(total+errs)*100)
	}
	fmt.Printf("   Unsorted:      %d\n", violations.Load())
	fmt.Printf("   Throughput:    %.1f req/sec\n", throughput)
	fmt.Println()

	if len(latencies) > 0 {
		fmt.Println("   📊 Latency Percentiles:")
		fmt.Printf("      p50:  %v\n", latencies[len(latencies)*50/100])
		fmt.Printf("      p95:  %v\n", latencies[len(latencies)*95/100])
		fmt.Printf("      p99:  %v\n", latencies[len(latencies)*99/100])
		fmt.Printf("      max:  %v\n", latencies[len(latencies)-1])
	}

	fmt.Println()
	fmt.Println("   🏷️  Status Distribution (device observations):")
	for status, count := range statusDist {
		fmt.Printf("      %s: %d\n", status, count)
	}
	fmt.Println("═══════════════════════════════════════════════════")
}

func sorted(devices []model.DeviceMetrics) bool {
	return sort.SliceIsSorted(devices, func(i, j int) bool {
		if devices[i].Score != devices[j].Score {
			return devices[i].Score < devices[j].Score
		}
		return devices[i].ID < devices[j].ID
	})
}
