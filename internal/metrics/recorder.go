package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chris-regnier/warden/internal/signal"
	"github.com/chris-regnier/warden/internal/verdict"
)

// Recorder provides a convenient API for recording scan metrics
type Recorder struct {
	collector   *Collector
	instruments *Instruments
}

// NewRecorder creates a new metrics recorder. instruments may be nil.
func NewRecorder(collector *Collector, instruments *Instruments) *Recorder {
	return &Recorder{
		collector:   collector,
		instruments: instruments,
	}
}

// Collector returns the in-process collector
func (r *Recorder) Collector() *Collector {
	return r.collector
}

// ScanBuilder helps build a ScanEvent incrementally
type ScanBuilder struct {
	recorder *Recorder
	event    ScanEvent
	timing   *ScanTiming
	mu       sync.Mutex
}

// StartScan begins recording the evaluation of one candidate
func (r *Recorder) StartScan(runID, candidateID string) *ScanBuilder {
	return &ScanBuilder{
		recorder: r,
		event: ScanEvent{
			ID:          uuid.NewString(),
			RunID:       runID,
			CandidateID: candidateID,
			Timestamp:   time.Now(),
		},
		timing: NewTiming(),
	}
}

// MarkStarted marks the scan as started (dequeued)
func (b *ScanBuilder) MarkStarted() *ScanBuilder {
	b.timing.Start()
	return b
}

// WithCacheResult records how the cache was consulted
func (b *ScanBuilder) WithCacheResult(result CacheResult) *ScanBuilder {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.event.CacheResult = result
	return b
}

// Collector records one collector result
func (b *ScanBuilder) Collector(ctx context.Context, res signal.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if res.Outcome != signal.OutcomeSkipped {
		b.event.CollectorsRun++
	}
	switch res.Outcome {
	case signal.OutcomeTimedOut:
		b.event.Timeouts++
	case signal.OutcomeFailed:
		b.event.Failures++
	}
	b.recorder.instruments.RecordCollector(ctx, string(res.Kind), string(res.Outcome), res.Duration)
}

// MarkCollected marks the end of the collector fan-out
func (b *ScanBuilder) MarkCollected() *ScanBuilder {
	b.timing.Collected()
	return b
}

// Complete finishes recording and submits the event
func (b *ScanBuilder) Complete(ctx context.Context, stage string, v verdict.Verdict) {
	b.finish(ctx, stage, &v, nil)
}

// CompleteWithError finishes recording with an error
func (b *ScanBuilder) CompleteWithError(ctx context.Context, stage string, err error) {
	b.finish(ctx, stage, nil, err)
}

func (b *ScanBuilder) finish(ctx context.Context, stage string, v *verdict.Verdict, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.timing.Complete()

	b.event.Stage = stage
	if v != nil {
		b.event.Action = string(v.Action)
		b.event.Severity = string(v.Severity)
		b.event.Score = v.Score
	}
	if err != nil {
		b.event.Error = err.Error()
	}
	b.event.QueueDuration = b.timing.QueueDuration()
	b.event.CollectDuration = b.timing.CollectDuration()
	b.event.TotalDuration = b.timing.TotalDuration()

	b.recorder.collector.Record(b.event)
	b.recorder.instruments.RecordScan(ctx, b.event)
}

// NoOpRecorder returns a recorder that discards all metrics
func NoOpRecorder() *Recorder {
	return &Recorder{
		collector: NewCollector(WithMaxEvents(0)),
	}
}
