package scheduler

import (
	"sync/atomic"
	"time"

	"github.com/kunal/gpu-utilization-monitor/pkg/model"
)

// Store holds the latest published Snapshot. Readers always see a complete
// Snapshot, never a partially built one.
type Store struct {
	latest atomic.Pointer[model.Snapshot]
}

func NewStore() *Store {
	return &Store{}
}

// Load returns the latest Snapshot, or nil before the first publish.
func (s *Store) Load() *model.Snapshot {
	return s.latest.Load()
}

// Publish replaces the latest Snapshot. snap must not be modified afterwards.
func (s *Store) Publish(snap *model.Snapshot) {
	s.latest.Store(snap)
}

// Devices returns the device list of the latest Snapshot, never nil.
func (s *Store) Devices() []model.DeviceMetrics {
	if snap := s.Load(); snap != nil && snap.Devices != nil {
		return snap.Devices
	}
	return []model.DeviceMetrics{}
}

// LastCompleted returns the completion time of the latest Snapshot.
func (s *Store) LastCompleted() (time.Time, bool) {
	snap := s.Load()
	if snap == nil {
		return time.Time{}, false
	}
	return snap.CompletedAt, true
}

// Stale reports whether the latest Snapshot is older than maxAge at now.
// Before the first publish nothing is stale.
func (s *Store) Stale(now time.Time, maxAge time.Duration) bool {
	last, ok := s.LastCompleted()
	if !ok {
		return false
	}
	return now.Sub(last) > maxAge
}
