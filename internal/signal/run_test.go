package signal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type stubCollector struct {
	kind  Kind
	delay time.Duration
	res   Result
	err   error
	panic bool
	// ignoreCtx makes the collector sleep through cancellation.
	ignoreCtx bool
}

func (s *stubCollector) Kind() Kind { return s.kind }

func (s *stubCollector) Collect(ctx context.Context, c Candidate) (Result, error) {
	if s.panic {
		panic("boom")
	}
	if s.delay > 0 {
		if s.ignoreCtx {
			time.Sleep(s.delay)
		} else {
			select {
			case <-time.After(s.delay):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}
	return s.res, s.err
}

func TestRun_Completed(t *testing.T) {
	col := &stubCollector{kind: KindStatic, res: Result{Score: 72, Confidence: 0.9}}

	res := Run(context.Background(), col, Candidate{ID: "a", Fingerprint: "f"}, time.Second)
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}
	if res.Kind != KindStatic {
		t.Errorf("expected kind static, got %s", res.Kind)
	}
	if res.Score != 72 || res.Confidence != 0.9 {
		t.Errorf("unexpected score/confidence %v/%v", res.Score, res.Confidence)
	}
}

func TestRun_ClampsOutOfRangeValues(t *testing.T) {
	col := &stubCollector{kind: KindStatic, res: Result{Score: 250, Confidence: 3}}

	res := Run(context.Background(), col, Candidate{}, time.Second)
	if res.Score != 100 || res.Confidence != 1 {
		t.Errorf("expected clamped 100/1, got %v/%v", res.Score, res.Confidence)
	}
}

func TestRun_Timeout(t *testing.T) {
	col := &stubCollector{kind: KindReputation, delay: time.Second, res: Result{Score: 90, Confidence: 1}}

	res := Run(context.Background(), col, Candidate{}, 20*time.Millisecond)
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Outcome)
	}
	if res.Score != 0 || res.Confidence != 0 {
		t.Errorf("timed out result must not carry score, got %v/%v", res.Score, res.Confidence)
	}
	if !strings.Contains(res.Error, ErrCollectorTimeout.Error()) {
		t.Errorf("expected timeout error text, got %q", res.Error)
	}
}

func TestRun_TimeoutWhenCollectorIgnoresContext(t *testing.T) {
	col := &stubCollector{kind: KindBehavioral, delay: 500 * time.Millisecond, ignoreCtx: true}

	start := time.Now()
	res := Run(context.Background(), col, Candidate{}, 20*time.Millisecond)
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("Run blocked for %v, expected to return at the deadline", elapsed)
	}
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Outcome)
	}
}

func TestRun_Failure(t *testing.T) {
	col := &stubCollector{kind: KindSignature, err: errors.New("db closed")}

	res := Run(context.Background(), col, Candidate{}, time.Second)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
	if !strings.Contains(res.Error, "db closed") {
		t.Errorf("expected wrapped cause, got %q", res.Error)
	}
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	col := &stubCollector{kind: KindStatic, panic: true}

	res := Run(context.Background(), col, Candidate{}, time.Second)
	if res.Outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", res.Outcome)
	}
}

func TestRun_NilCollectorIsSkipped(t *testing.T) {
	res := Run(context.Background(), nil, Candidate{}, time.Second)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s", res.Outcome)
	}
	if res.Informs() {
		t.Error("skipped result must not inform scoring")
	}
}

func TestRun_CollectorReportedTimeoutKeepsOutcome(t *testing.T) {
	col := &stubCollector{kind: KindReputation, res: Result{Outcome: OutcomeTimedOut, Score: 40, Confidence: 0.5}}

	res := Run(context.Background(), col, Candidate{}, time.Second)
	if res.Outcome != OutcomeTimedOut {
		t.Fatalf("expected timed_out, got %s", res.Outcome)
	}
	if res.Score != 0 || res.Confidence != 0 {
		t.Errorf("non-completed result must be zeroed, got %v/%v", res.Score, res.Confidence)
	}
}

func TestCandidate_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       Candidate
		wantErr bool
	}{
		{"valid", Candidate{ID: "com.example", Fingerprint: "abc"}, false},
		{"missing id", Candidate{Fingerprint: "abc"}, true},
		{"blank fingerprint", Candidate{ID: "com.example", Fingerprint: "  "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidCandidate) {
				t.Errorf("expected ErrInvalidCandidate, got %v", err)
			}
		})
	}
}

func TestCandidate_HasCapability(t *testing.T) {
	c := Candidate{Capabilities: []string{"READ_SMS", "internet"}}
	if !c.HasCapability("read_sms") {
		t.Error("expected case-insensitive match for READ_SMS")
	}
	if c.HasCapability("CAMERA") {
		t.Error("did not expect CAMERA")
	}
}
