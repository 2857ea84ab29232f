package tb

import (
	"context"
	"time"
)

// ComponentRecord is a persisted Outcome.
type ComponentRecord struct {
	Component string
	OK        bool
	Error     string
	Duration  time.Duration
}

// RunRecord is a persisted summary of one run.
type RunRecord struct {
	ID         string
	Kind       string
	Folder     string
	Status     RunStatus
	Started    time.Time
	Finished   time.Time
	Error      string
	Components []ComponentRecord
}

// NewRunRecord flattens a finished report for storage.
func NewRunRecord(id string, report *RunReport, fatal error) *RunRecord {
	rec := &RunRecord{
		ID:       id,
		Kind:     report.Kind,
		Folder:   report.Folder,
		Status:   report.Status,
		Started:  report.Started,
		Finished: report.Finished,
	}
	if fatal != nil {
		rec.Error = fatal.Error()
	}
	for _, o := range report.Outcomes() {
		c := ComponentRecord{Component: o.Component, OK: o.OK(), Duration: o.Duration}
		if o.Err != nil {
			c.Error = o.Err.Error()
		}
		rec.Components = append(rec.Components, c)
	}
	return rec
}

// History stores run records.
type History interface {
	// RecordRun stores rec with its components.
	RecordRun(ctx context.Context, rec *RunRecord) error
	// ListRuns returns the most recent runs, newest first. An empty kind matches all.
	ListRuns(ctx context.Context, kind string, limit int) ([]*RunRecord, error)
	Close() error
}
