package monitor

import (
	"sort"
	"time"

	"github.com/fyrsmithlabs/arbiter/internal/events"
)

// Outcome summarizes a run's state as seen from its events.
type Outcome string

const (
	OutcomeRunning  Outcome = "running"
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeFailed   Outcome = "failed"
)

// fixedStages is the number of non-branch stages in a run: planner,
// evaluator, synthesizer and verification.
const fixedStages = 4

const verificationStage = "verification"

// stageRank orders stages for display. Branch rows carry reasoning or
// coding depending on how far they got.
var stageRank = map[string]int{
	"planner":         0,
	"reasoning":       1,
	"coding":          1,
	"evaluator":       2,
	"synthesizer":     3,
	verificationStage: 4,
}

// branchOrder sequences the stages inside one branch row.
var branchOrder = map[string]int{"reasoning": 0, "coding": 1}

// Step is the latest known state of one stage, or of one branch.
type Step struct {
	Stage    string
	BranchID string
	Status   events.Status
	Message  string
	Started  time.Time
	Ended    time.Time
}

// Label names the step for display.
func (s Step) Label() string {
	if s.BranchID == "" {
		return s.Stage
	}
	return s.BranchID + " " + s.Stage
}

// Done reports whether the step reached a terminal status.
func (s Step) Done() bool {
	return s.Status == events.StatusCompleted || s.Status == events.StatusFailed
}

// Duration is zero until both ends of the step have been seen.
func (s Step) Duration() time.Duration {
	if s.Started.IsZero() || s.Ended.IsZero() {
		return 0
	}
	return s.Ended.Sub(s.Started)
}

// Run aggregates the events of one pipeline run.
type Run struct {
	ID    string
	First time.Time
	Last  time.Time

	steps map[string]*Step
}

// NewRun returns an empty run.
func NewRun(id string) *Run {
	return &Run{ID: id, steps: make(map[string]*Step)}
}

// Apply folds ev into the run. NATS does not order events across
// publishers, so a late started event never reopens a finished step.
func (r *Run) Apply(ev events.Event) {
	at := ev.Time
	if at.IsZero() {
		at = time.Now()
	}
	if r.First.IsZero() || at.Before(r.First) {
		r.First = at
	}
	if at.After(r.Last) {
		r.Last = at
	}

	// A branch is one row from reasoning through coding.
	key := ev.Stage
	if ev.BranchID != "" {
		key = ev.BranchID
	}
	st, ok := r.steps[key]
	if !ok {
		st = &Step{Stage: ev.Stage, BranchID: ev.BranchID}
		r.steps[key] = st
	}

	// Late events from an earlier stage of the branch never roll it back.
	if ev.BranchID != "" && branchOrder[ev.Stage] < branchOrder[st.Stage] {
		return
	}

	if ev.Status == events.StatusStarted {
		if st.Started.IsZero() {
			st.Started = at
		}
		switch {
		case ev.Stage != st.Stage:
			st.Stage = ev.Stage
			st.Status = events.StatusStarted
			st.Message = ""
			st.Ended = time.Time{}
		case !st.Done():
			st.Status = events.StatusStarted
		}
		return
	}
	st.Stage = ev.Stage
	st.Status = ev.Status
	st.Message = ev.Message
	st.Ended = at
}

// Steps returns the steps in pipeline order, branches by ID.
func (r *Run) Steps() []Step {
	out := make([]Step, 0, len(r.steps))
	for _, st := range r.steps {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := stageRank[out[i].Stage], stageRank[out[j].Stage]
		if out[i].BranchID != "" {
			ri = stageRank["reasoning"]
		}
		if out[j].BranchID != "" {
			rj = stageRank["reasoning"]
		}
		if ri != rj {
			return ri < rj
		}
		return out[i].BranchID < out[j].BranchID
	})
	return out
}

// Progress is the fraction of expected steps that finished. Branches are
// only known once they start, so the estimate grows after planning.
func (r *Run) Progress() float64 {
	if r.Outcome() != OutcomeRunning {
		return 1
	}
	expected, done := fixedStages, 0
	for _, st := range r.steps {
		if st.BranchID != "" {
			expected++
		}
		if st.Done() {
			done++
		}
	}
	if done >= expected {
		return 1
	}
	return float64(done) / float64(expected)
}

// Outcome derives the run state. Verification decides acceptance; any
// other failed step fails the run.
func (r *Run) Outcome() Outcome {
	if v, ok := r.steps[verificationStage]; ok && v.Done() {
		if v.Status == events.StatusCompleted {
			return OutcomeAccepted
		}
		return OutcomeRejected
	}
	for _, st := range r.steps {
		if st.Status == events.StatusFailed {
			return OutcomeFailed
		}
	}
	return OutcomeRunning
}

// Durations returns finished step durations in seconds, in display order.
func (r *Run) Durations() []float64 {
	var out []float64
	for _, st := range r.Steps() {
		if d := st.Duration(); d > 0 {
			out = append(out, d.Seconds())
		}
	}
	return out
}

// Elapsed is the span between the first and last event.
func (r *Run) Elapsed() time.Duration {
	return r.Last.Sub(r.First)
}
