// Package metrics records per-candidate scan measurements in process and
// mirrors them to OpenTelemetry instruments.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CacheResult indicates how the result cache was consulted for a candidate
type CacheResult string

const (
	CacheHit  CacheResult = "hit"
	CacheMiss CacheResult = "miss"
	// CacheBypass covers fast-path, invalid and actively quarantined candidates.
	CacheBypass CacheResult = "bypass"
)

// ScanEvent captures metrics for a single candidate evaluation
type ScanEvent struct {
	// Identification
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	CandidateID string    `json:"candidate_id"`
	Timestamp   time.Time `json:"timestamp"`

	// Outcome
	Stage    string  `json:"stage"`
	Action   string  `json:"action,omitempty"`
	Severity string  `json:"severity,omitempty"`
	Score    float64 `json:"score"`

	// Timing
	QueueDuration   time.Duration `json:"queue_duration"`   // dispatch to start
	CollectDuration time.Duration `json:"collect_duration"` // collector fan-out
	TotalDuration   time.Duration `json:"total_duration"`   // end-to-end

	// Collectors
	CollectorsRun int `json:"collectors_run"`
	Timeouts      int `json:"timeouts"`
	Failures      int `json:"failures"`

	// Cache
	CacheResult CacheResult `json:"cache_result"`

	// Error tracking
	Error string `json:"error,omitempty"`
}

// ScanTiming is a helper for tracking scan timing
type ScanTiming struct {
	queuedAt    time.Time
	startedAt   time.Time
	collectedAt time.Time
	completedAt time.Time
}

// NewTiming creates a new timing tracker, marking queue time as now
func NewTiming() *ScanTiming {
	return &ScanTiming{
		queuedAt: time.Now(),
	}
}

// Start marks the scan as started (dequeued)
func (t *ScanTiming) Start() {
	t.startedAt = time.Now()
}

// Collected marks the end of collector fan-out
func (t *ScanTiming) Collected() {
	t.collectedAt = time.Now()
}

// Complete marks the scan as completed
func (t *ScanTiming) Complete() {
	t.completedAt = time.Now()
}

// QueueDuration returns time spent in queue
func (t *ScanTiming) QueueDuration() time.Duration {
	if t.startedAt.IsZero() {
		return 0
	}
	return t.startedAt.Sub(t.queuedAt)
}

// CollectDuration returns time spent waiting on collectors
func (t *ScanTiming) CollectDuration() time.Duration {
	if t.collectedAt.IsZero() || t.startedAt.IsZero() {
		return 0
	}
	return t.collectedAt.Sub(t.startedAt)
}

// TotalDuration returns total end-to-end time
func (t *ScanTiming) TotalDuration() time.Duration {
	if t.completedAt.IsZero() {
		return 0
	}
	return t.completedAt.Sub(t.queuedAt)
}

// AggregateStats holds computed aggregate statistics
type AggregateStats struct {
	// Counts
	TotalScans        int64 `json:"total_scans"`
	TotalErrors       int64 `json:"total_errors"`
	TotalQuarantined  int64 `json:"total_quarantined"`
	CollectorTimeouts int64 `json:"collector_timeouts"`
	CollectorFailures int64 `json:"collector_failures"`

	// Latency stats (in milliseconds for JSON readability)
	AvgTotalDurationMs float64 `json:"avg_total_duration_ms"`
	P50TotalDurationMs float64 `json:"p50_total_duration_ms"`
	P95TotalDurationMs float64 `json:"p95_total_duration_ms"`
	P99TotalDurationMs float64 `json:"p99_total_duration_ms"`
	MaxTotalDurationMs float64 `json:"max_total_duration_ms"`

	AvgQueueDurationMs   float64 `json:"avg_queue_duration_ms"`
	AvgCollectDurationMs float64 `json:"avg_collect_duration_ms"`

	// Cache stats
	CacheHits     int64   `json:"cache_hits"`
	CacheMisses   int64   `json:"cache_misses"`
	CacheBypassed int64   `json:"cache_bypassed"`
	CacheHitRate  float64 `json:"cache_hit_rate"`

	// Throughput
	ScansPerMinute float64 `json:"scans_per_minute"`

	// Breakdowns
	ByStage  map[string]*StageStats `json:"by_stage"`
	ByAction map[string]int64       `json:"by_action"`

	// Time window
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
}

// StageStats holds stats for candidates that terminated at a given stage
type StageStats struct {
	Count              int64   `json:"count"`
	AvgTotalDurationMs float64 `json:"avg_total_duration_ms"`
	ErrorRate          float64 `json:"error_rate"`
}

// atomicCounters holds atomic counters for real-time stats
type atomicCounters struct {
	totalScans    atomic.Int64
	totalErrors   atomic.Int64
	quarantined   atomic.Int64
	timeouts      atomic.Int64
	failures      atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
	cacheBypassed atomic.Int64
}

// Collector collects and stores scan metrics
type Collector struct {
	mu       sync.RWMutex
	events   []ScanEvent
	counters atomicCounters

	// Configuration
	maxEvents  int
	windowSize time.Duration

	// Start time for throughput calculation
	startTime time.Time
}

// CollectorOption configures a Collector
type CollectorOption func(*Collector)

// WithMaxEvents sets the maximum number of events to retain
func WithMaxEvents(n int) CollectorOption {
	return func(c *Collector) {
		c.maxEvents = n
	}
}

// WithWindowSize sets the time window for aggregate stats
func WithWindowSize(d time.Duration) CollectorOption {
	return func(c *Collector) {
		c.windowSize = d
	}
}

// NewCollector creates a new metrics collector
func NewCollector(opts ...CollectorOption) *Collector {
	c := &Collector{
		events:     make([]ScanEvent, 0, 1000),
		maxEvents:  10000,
		windowSize: 1 * time.Hour,
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Record adds a scan event to the collector
func (c *Collector) Record(event ScanEvent) {
	c.counters.totalScans.Add(1)
	c.counters.timeouts.Add(int64(event.Timeouts))
	c.counters.failures.Add(int64(event.Failures))

	if event.Error != "" {
		c.counters.totalErrors.Add(1)
	}
	if event.Action == "quarantine" {
		c.counters.quarantined.Add(1)
	}

	switch event.CacheResult {
	case CacheHit:
		c.counters.cacheHits.Add(1)
	case CacheMiss:
		c.counters.cacheMisses.Add(1)
	case CacheBypass:
		c.counters.cacheBypassed.Add(1)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxEvents <= 0 {
		return
	}
	c.events = append(c.events, event)

	// Prune old events if needed
	if len(c.events) > c.maxEvents {
		// Remove oldest 10%
		pruneCount := c.maxEvents / 10
		if pruneCount == 0 {
			pruneCount = 1
		}
		c.events = c.events[pruneCount:]
	}
}

// GetStats computes aggregate statistics from collected events
func (c *Collector) GetStats() AggregateStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	windowStart := now.Add(-c.windowSize)

	stats := AggregateStats{
		TotalScans:        c.counters.totalScans.Load(),
		TotalErrors:       c.counters.totalErrors.Load(),
		TotalQuarantined:  c.counters.quarantined.Load(),
		CollectorTimeouts: c.counters.timeouts.Load(),
		CollectorFailures: c.counters.failures.Load(),
		CacheHits:         c.counters.cacheHits.Load(),
		CacheMisses:       c.counters.cacheMisses.Load(),
		CacheBypassed:     c.counters.cacheBypassed.Load(),
		ByStage:           make(map[string]*StageStats),
		ByAction:          make(map[string]int64),
		WindowStart:       windowStart,
		WindowEnd:         now,
	}

	// Bypassed lookups never touched the cache
	totalCacheOps := stats.CacheHits + stats.CacheMisses
	if totalCacheOps > 0 {
		stats.CacheHitRate = float64(stats.CacheHits) / float64(totalCacheOps)
	}

	var windowEvents []ScanEvent
	for _, e := range c.events {
		if e.Timestamp.After(windowStart) {
			windowEvents = append(windowEvents, e)
		}
	}

	if len(windowEvents) == 0 {
		return stats
	}

	durations := make([]float64, 0, len(windowEvents))
	var sumTotal, sumQueue, sumCollect float64
	stageCounts := make(map[string]int64)
	stageDurations := make(map[string]float64)
	stageErrors := make(map[string]int64)

	for _, e := range windowEvents {
		ms := float64(e.TotalDuration.Milliseconds())
		durations = append(durations, ms)
		sumTotal += ms
		sumQueue += float64(e.QueueDuration.Milliseconds())
		sumCollect += float64(e.CollectDuration.Milliseconds())

		stageCounts[e.Stage]++
		stageDurations[e.Stage] += ms
		if e.Error != "" {
			stageErrors[e.Stage]++
		}
		if e.Action != "" {
			stats.ByAction[e.Action]++
		}
	}

	n := float64(len(windowEvents))
	stats.AvgTotalDurationMs = sumTotal / n
	stats.AvgQueueDurationMs = sumQueue / n
	stats.AvgCollectDurationMs = sumCollect / n

	sort.Float64s(durations)
	stats.P50TotalDurationMs = percentile(durations, 0.50)
	stats.P95TotalDurationMs = percentile(durations, 0.95)
	stats.P99TotalDurationMs = percentile(durations, 0.99)
	stats.MaxTotalDurationMs = durations[len(durations)-1]

	elapsed := now.Sub(c.startTime).Minutes()
	if elapsed > 0 {
		stats.ScansPerMinute = float64(stats.TotalScans) / elapsed
	}

	for stage, count := range stageCounts {
		stats.ByStage[stage] = &StageStats{
			Count:              count,
			AvgTotalDurationMs: stageDurations[stage] / float64(count),
			ErrorRate:          float64(stageErrors[stage]) / float64(count),
		}
	}

	return stats
}

// GetRecentEvents returns the most recent n events
func (c *Collector) GetRecentEvents(n int) []ScanEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if n > len(c.events) {
		n = len(c.events)
	}
	if n <= 0 {
		return nil
	}

	result := make([]ScanEvent, n)
	copy(result, c.events[len(c.events)-n:])
	return result
}

// Reset clears all collected metrics
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = c.events[:0]
	c.counters.totalScans.Store(0)
	c.counters.totalErrors.Store(0)
	c.counters.quarantined.Store(0)
	c.counters.timeouts.Store(0)
	c.counters.failures.Store(0)
	c.counters.cacheHits.Store(0)
	c.counters.cacheMisses.Store(0)
	c.counters.cacheBypassed.Store(0)
	c.startTime = time.Now()
}

// percentile returns the value at the given percentile (0.0-1.0)
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
