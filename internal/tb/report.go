package tb

import (
	"sync"
	"time"
)

// RunStatus is the final state of a backup, restore, or prune run.
type RunStatus string

const (
	StatusSuccess RunStatus = "success"
	// StatusPartial means the run completed but at least one component failed.
	StatusPartial RunStatus = "partial"
	StatusFailed  RunStatus = "failed"
	StatusSkipped RunStatus = "skipped"
)

// Outcome records how one component of a run ended.
type Outcome struct {
	Component string
	Err       error
	Duration  time.Duration
}

// OK reports whether the component succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// RunReport aggregates per-component outcomes of one run. It is safe for concurrent use.
type RunReport struct {
	Kind     string
	Folder   string
	Started  time.Time
	Finished time.Time
	Status   RunStatus

	mu        sync.Mutex
	outcomes  []Outcome
	artifacts []CompressedArtifact
}

// NewRunReport starts a report for a run of the given kind.
func NewRunReport(kind, folder string, started time.Time) *RunReport {
	return &RunReport{Kind: kind, Folder: folder, Started: started}
}

// Record appends a component outcome.
func (r *RunReport) Record(component string, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, Outcome{Component: component, Err: err, Duration: d})
}

// AddArtifact records an archive produced by the run.
func (r *RunReport) AddArtifact(a CompressedArtifact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
}

// Outcomes returns a copy of the recorded outcomes in recording order.
func (r *RunReport) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

// Artifacts returns a copy of the recorded archives.
func (r *RunReport) Artifacts() []CompressedArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CompressedArtifact(nil), r.artifacts...)
}

// Failures returns the outcomes that carry an error.
func (r *RunReport) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes() {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Finish stamps the end time and settles the status. A non-nil fatal error marks the
// run failed; otherwise any failed component makes it partial.
func (r *RunReport) Finish(now time.Time, fatal error) {
	r.Finished = now
	switch {
	case fatal != nil:
		r.Status = StatusFailed
	case r.Status == StatusSkipped:
	case len(r.Failures()) > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusSuccess
	}
}

// Duration is the wall-clock time of the run.
func (r *RunReport) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}
