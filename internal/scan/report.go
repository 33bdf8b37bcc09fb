package scan

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/chris-regnier/warden/internal/verdict"
)

// Report summarizes one run.
type Report struct {
	RunID          string                   `json:"run_id"`
	GeneratedAt    time.Time                `json:"generated_at"`
	Total          int                      `json:"total"`
	Aborted        int                      `json:"aborted"`
	Errors         int                      `json:"errors"`
	ProfileVersion int                      `json:"profile_version"`
	ByStage        map[Stage]int            `json:"by_stage"`
	ByAction       map[verdict.Action]int   `json:"by_action"`
	BySeverity     map[verdict.Severity]int `json:"by_severity"`
	Remediation    map[string]int           `json:"remediation,omitempty"`
	Verdicts       []verdict.Verdict        `json:"verdicts"`
	AbortedIDs     []string                 `json:"aborted_ids,omitempty"`
}

// Drain reads every event until the channel closes.
func Drain(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// Summarize builds a report from a run's terminal events. Verdicts are
// ordered by descending score, then candidate ID.
func Summarize(events []Event) Report {
	r := Report{
		GeneratedAt: time.Now().UTC(),
		Total:       len(events),
		ByStage:     make(map[Stage]int),
		ByAction:    make(map[verdict.Action]int),
		BySeverity:  make(map[verdict.Severity]int),
		Remediation: make(map[string]int),
	}
	for _, ev := range events {
		if r.RunID == "" {
			r.RunID = ev.RunID
		}
		r.ByStage[ev.Stage]++
		if ev.Err != nil || ev.Error != "" {
			r.Errors++
		}
		if ev.Aborted {
			r.Aborted++
			r.AbortedIDs = append(r.AbortedIDs, ev.Candidate.ID)
			continue
		}
		if ev.Remediation != "" {
			r.Remediation[ev.Remediation]++
		}
		if ev.Verdict == nil {
			continue
		}
		v := *ev.Verdict
		r.ByAction[v.Action]++
		r.BySeverity[v.Severity]++
		if v.ProfileVersion > r.ProfileVersion {
			r.ProfileVersion = v.ProfileVersion
		}
		r.Verdicts = append(r.Verdicts, v)
	}
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	sort.SliceStable(r.Verdicts, func(i, j int) bool {
		if r.Verdicts[i].Score != r.Verdicts[j].Score {
			return r.Verdicts[i].Score > r.Verdicts[j].Score
		}
		return r.Verdicts[i].CandidateID < r.Verdicts[j].CandidateID
	})
	sort.Strings(r.AbortedIDs)
	return r
}

// Quarantined returns the verdicts whose action is quarantine.
func (r Report) Quarantined() []verdict.Verdict {
	var out []verdict.Verdict
	for _, v := range r.Verdicts {
		if v.Action == verdict.ActionQuarantine {
			out = append(out, v)
		}
	}
	return out
}
