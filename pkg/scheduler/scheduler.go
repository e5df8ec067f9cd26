package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kunal/gpu-utilization-monitor/pkg/analyzer"
	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// Runner produces one scored batch.
type Runner interface {
	RunBatch(ctx context.Context, useClassifier bool) []model.DeviceMetrics
	ClassifierEnabled() bool
}

// MetricsSink receives every published Snapshot and run statistics.
type MetricsSink interface {
	Publish(snap *model.Snapshot)
	RecordAnalysis(d time.Duration)
	RecordFailure()
}

// Notifier is called once per low-utilization device.
type Notifier interface {
	Notify(ctx context.Context, m model.DeviceMetrics) error
}

// Scheduler runs a batch immediately on Start and then once per interval
// until Stop. Batches never overlap.
type Scheduler struct {
	runner       Runner
	store        *Store
	interval     time.Duration
	lowThreshold float64

	sink      MetricsSink
	notifier  Notifier
	notifySem chan struct{} // bounds in-flight webhook calls
	listeners []func(*model.Snapshot)

	runMu   sync.Mutex // serializes batches
	stateMu sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
	log *logrus.Entry
}

func New(runner Runner, store *Store, interval time.Duration, lowThreshold float64) *Scheduler {
	return &Scheduler{
		runner:       runner,
		store:        store,
		interval:     interval,
		lowThreshold: lowThreshold,
		now:          time.Now,
		log:          logrus.WithField("component", "scheduler"),
	}
}

// SetSink installs the metrics sink. Call before Start.
func (s *Scheduler) SetSink(sink MetricsSink) { s.sink = sink }

// SetNotifier installs the low-utilization notifier with at most workers
// calls in flight. Call before Start.
func (s *Scheduler) SetNotifier(n Notifier, workers int) {
	if workers < 1 {
		workers = 1
	}
	s.notifier = n
	s.notifySem = make(chan struct{}, workers)
}

// OnPublish registers fn to be called with every new Snapshot. Call before
// Start.
func (s *Scheduler) OnPublish(fn func(*model.Snapshot)) {
	s.listeners = append(s.listeners, fn)
}

// Interval returns the time between scheduled batches.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.running
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.running {
		s.log.Warn("Scheduler is already running")
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.wg.Add(1)
	go s.loop(s.stopCh)
	s.log.Infof("📡 Scheduler started: interval=%v", s.interval)
}

// Stop ends the loop and waits for it to exit. A batch already in flight
// finishes and publishes first.
func (s *Scheduler) Stop() {
	s.stateMu.Lock()
	if !s.running {
		s.stateMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.stateMu.Unlock()

	s.wg.Wait()
	s.log.Info("Scheduler stopped")
}

// Trigger runs one batch in the background. A nil useClassifier falls back
// to whether the classifier is enabled. It reports false, and runs nothing,
// when the scheduler is not running.
func (s *Scheduler) Trigger(useClassifier *bool) bool {
	use := s.runner.ClassifierEnabled()
	if useClassifier != nil {
		use = *useClassifier
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if !s.running {
		s.log.Warn("Scheduler is stopped, ignoring trigger")
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.RunOnce(use)
	}()
	return true
}

func (s *Scheduler) loop(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Immediate first batch
	s.RunOnce(s.runner.ClassifierEnabled())

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			select {
			case <-stopCh:
				return
			default:
			}
			s.RunOnce(s.runner.ClassifierEnabled())
		}
	}
}

// RunOnce runs a batch synchronously and publishes its Snapshot. It returns
// nil if the batch failed.
func (s *Scheduler) RunOnce(useClassifier bool) (snap *model.Snapshot) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("❌ Analysis failed: %v", r)
			if s.sink != nil {
				s.sink.RecordFailure()
			}
			snap = nil
		}
	}()

	s.log.Info(strings.Repeat("=", 60))
	s.log.Info("Starting GPU utilization analysis")

	results := s.runner.RunBatch(context.Background(), useClassifier)
	if results == nil {
		results = []model.DeviceMetrics{}
	}
	end := s.now()

	snap = &model.Snapshot{
		ID:          uuid.NewString(),
		Devices:     results,
		CompletedAt: end.UTC(),
		Duration:    end.Sub(start),
	}
	s.store.Publish(snap)

	if s.sink != nil {
		s.sink.Publish(snap)
		s.sink.RecordAnalysis(snap.Duration)
	}
	for _, fn := range s.listeners {
		fn(snap)
	}

	s.log.Info("GPU Utilization Analysis Results\n" + analyzer.FormatTable(results))
	s.handleLowUtilization(results)

	s.log.Infof("✅ Analysis %s completed in %.2fs", snap.ID, snap.Duration.Seconds())
	s.log.Info(strings.Repeat("=", 60))
	return snap
}

func (s *Scheduler) handleLowUtilization(results []model.DeviceMetrics) {
	var low []model.DeviceMetrics
	for _, r := range results {
		if r.Score < s.lowThreshold {
			low = append(low, r)
		}
	}
	if len(low) == 0 {
		s.log.Infof("✅ All GPUs have utilization above %.1f%%", s.lowThreshold)
		return
	}

	s.log.Warnf("⚠️  Found %d GPU(s) with utilization below %.1f%%", len(low), s.lowThreshold)
	for _, r := range low {
		entry := s.log.WithFields(logrus.Fields{
			"gpu_id":    r.ID,
			"namespace": r.Namespace,
			"pod":       r.Pod,
			"score":     r.Score,
		})
		if c := r.Classification; c != nil {
			entry = entry.WithFields(logrus.Fields{"ai_status": c.Status, "ai_reason": c.Reason})
		}
		entry.Warn("Low utilization GPU")
	}

	if s.notifier != nil {
		s.wg.Add(1)
		go s.notifyAll(low)
	}
}

// notifyAll sends one webhook per device with at most cap(notifySem) calls
// in flight. Runs off the batch path; Stop waits for it.
func (s *Scheduler) notifyAll(low []model.DeviceMetrics) {
	defer s.wg.Done()

	var wg sync.WaitGroup
	for _, r := range low {
		s.notifySem <- struct{}{}
		wg.Add(1)
		go func(r model.DeviceMetrics) {
			defer func() {
				<-s.notifySem
				wg.Done()
			}()
			if err := s.notifier.Notify(context.Background(), r); err != nil {
				s.log.WithFields(logrus.Fields{
					"gpu_id":    r.ID,
					"namespace": r.Namespace,
					"pod":       r.Pod,
				}).WithError(err).Error("Failed to call control API")
			}
		}(r)
	}
	wg.Wait()
}
