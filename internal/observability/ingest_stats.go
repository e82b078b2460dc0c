// Package observability provides ingestion statistics for monitoring the
// write path of a recording.
package observability

import (
	"sort"
	"sync"
	"time"
)

// DefaultLatencyWindow is the number of recent write latencies kept for
// percentile estimates.
const DefaultLatencyWindow = 1024

// IngestStats tracks write operations, rotations and recoveries.
type IngestStats struct {
	mu        sync.RWMutex
	ops       map[string]*OperationStats
	rotations map[string]int64
	dropped   int64
	recovered int64
	started   time.Time

	latencies []time.Duration
	next      int
	filled    bool
}

// OperationStats holds counters for one write operation kind.
type OperationStats struct {
	Operation    string        `json:"operation"`
	Count        int64         `json:"count"`
	Samples      int64         `json:"samples"`
	Errors       int64         `json:"errors"`
	TotalLatency time.Duration `json:"total_latency"`
	LastSeen     time.Time     `json:"last_seen"`
}

// Snapshot is a point-in-time copy of IngestStats.
type Snapshot struct {
	Operations []OperationStats `json:"operations"`
	Rotations  map[string]int64 `json:"rotations"`
	Dropped    int64            `json:"dropped"`
	Recovered  int64            `json:"recovered"`
	Uptime     time.Duration    `json:"uptime"`
	LatencyP50 time.Duration    `json:"latency_p50"`
	LatencyP99 time.Duration    `json:"latency_p99"`
}

// NewIngestStats creates a tracker keeping window recent latencies.
func NewIngestStats(window int) *IngestStats {
	if window <= 0 {
		window = DefaultLatencyWindow
	}
	return &IngestStats{
		ops:       make(map[string]*OperationStats),
		rotations: make(map[string]int64),
		started:   time.Now(),
		latencies: make([]time.Duration, window),
	}
}

// RecordWrite records one applied write of samples rows.
// This method is O(1) and thread-safe.
func (s *IngestStats) RecordWrite(op string, samples int, latency time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, exists := s.ops[op]
	if !exists {
		stats = &OperationStats{Operation: op}
		s.ops[op] = stats
	}
	stats.Count++
	stats.LastSeen = time.Now()
	if err != nil {
		stats.Errors++
		return
	}
	stats.Samples += int64(samples)
	stats.TotalLatency += latency

	s.latencies[s.next] = latency
	s.next = (s.next + 1) % len(s.latencies)
	if s.next == 0 {
		s.filled = true
	}
}

// RecordRotation records a segment rotation and why it happened.
func (s *IngestStats) RecordRotation(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rotations[reason]++
}

// RecordDropped records an item dropped for an unknown operation.
func (s *IngestStats) RecordDropped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped++
}

// RecordRecovery records a stale segment file removed before re-creation.
func (s *IngestStats) RecordRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovered++
}

// Snapshot returns a copy of the current statistics. Operations are sorted
// by count, descending.
func (s *IngestStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Operations: make([]OperationStats, 0, len(s.ops)),
		Rotations:  make(map[string]int64, len(s.rotations)),
		Dropped:    s.dropped,
		Recovered:  s.recovered,
		Uptime:     time.Since(s.started),
	}
	for _, op := range s.ops {
		snap.Operations = append(snap.Operations, *op)
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		if snap.Operations[i].Count != snap.Operations[j].Count {
			return snap.Operations[i].Count > snap.Operations[j].Count
		}
		return snap.Operations[i].Operation < snap.Operations[j].Operation
	})
	for k, v := range s.rotations {
		snap.Rotations[k] = v
	}

	n := s.next
	if s.filled {
		n = len(s.latencies)
	}
	if n > 0 {
		window := append([]time.Duration(nil), s.latencies[:n]...)
		sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
		snap.LatencyP50 = window[(n-1)*50/100]
		snap.LatencyP99 = window[(n-1)*99/100]
	}
	return snap
}
