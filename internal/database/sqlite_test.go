package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tb-go/internal/tb"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(":memory:")
	if err != nil {
		t.Fatalf("failed to create history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

var base = time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)

func record(id, kind string, started time.Time, status tb.RunStatus) *tb.RunRecord {
	return &tb.RunRecord{
		ID:       id,
		Kind:     kind,
		Folder:   "acme-prod-tutor-backup-" + started.Format("20060102"),
		Status:   status,
		Started:  started,
		Finished: started.Add(90 * time.Second),
	}
}

func TestSQLiteHistory_RecordAndList(t *testing.T) {
	ctx := context.Background()
	h := newTestHistory(t)

	report := tb.NewRunReport("backup", "acme-prod-tutor-backup-20250115", base)
	report.Record("upload:s3", nil, 4*time.Second)
	report.Record("upload:sftp", errors.New("connection refused"), 2500*time.Millisecond)
	report.Finish(base.Add(time.Minute), nil)

	if err := h.RecordRun(ctx, tb.NewRunRecord("run-1", report, nil)); err != nil {
		t.Fatalf("RecordRun() error: %v", err)
	}

	runs, err := h.ListRuns(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListRuns() error: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("ListRuns() returned %d runs, want 1", len(runs))
	}
	got := runs[0]
	if got.ID != "run-1" || got.Status != tb.StatusPartial || got.Folder != "acme-prod-tutor-backup-20250115" {
		t.Errorf("unexpected run %+v", got)
	}
	if !got.Started.Equal(base) || !got.Finished.Equal(base.Add(time.Minute)) {
		t.Errorf("times not preserved: %v - %v", got.Started, got.Finished)
	}
	if len(got.Components) != 2 {
		t.Fatalf("components = %+v", got.Components)
	}
	if c := got.Components[0]; c.Component != "upload:s3" || !c.OK || c.Duration != 4*time.Second {
		t.Errorf("first component = %+v", c)
	}
	if c := got.Components[1]; c.OK || c.Error != "connection refused" || c.Duration != 2500*time.Millisecond {
		t.Errorf("second component = %+v", c)
	}
}

func TestSQLiteHistory_ListOrderingAndFilter(t *testing.T) {
	ctx := context.Background()
	h := newTestHistory(t)

	for i, rec := range []*tb.RunRecord{
		record("b1", "backup", base, tb.StatusSuccess),
		record("r1", "restore", base.Add(time.Hour), tb.StatusFailed),
		record("b2", "backup", base.Add(24*time.Hour), tb.StatusSkipped),
	} {
		if err := h.RecordRun(ctx, rec); err != nil {
			t.Fatalf("RecordRun(%d) error: %v", i, err)
		}
	}

	tests := []struct {
		name  string
		kind  string
		limit int
		want  []string
	}{
		{"all newest first", "", 10, []string{"b2", "r1", "b1"}},
		{"limit", "", 2, []string{"b2", "r1"}},
		{"backups only", "backup", 10, []string{"b2", "b1"}},
		{"restores only", "restore", 10, []string{"r1"}},
		{"default limit", "", 0, []string{"b2", "r1", "b1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := h.ListRuns(ctx, tt.kind, tt.limit)
			if err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, r := range runs {
				ids = append(ids, r.ID)
			}
			if len(ids) != len(tt.want) {
				t.Fatalf("ListRuns() = %v, want %v", ids, tt.want)
			}
			for i := range ids {
				if ids[i] != tt.want[i] {
					t.Errorf("ListRuns() = %v, want %v", ids, tt.want)
					break
				}
			}
		})
	}
}

func TestSQLiteHistory_DuplicateID(t *testing.T) {
	h := newTestHistory(t)
	rec := record("dup", "backup", base, tb.StatusSuccess)
	if err := h.RecordRun(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if err := h.RecordRun(context.Background(), rec); err == nil {
		t.Error("expected an error for a duplicate run id")
	}
}

func TestSQLiteHistory_FatalError(t *testing.T) {
	h := newTestHistory(t)
	report := tb.NewRunReport("restore", "acme-prod-tutor-backup-20250115", base)
	fatal := errors.New("backup set not found")
	report.Finish(base.Add(time.Second), fatal)

	if err := h.RecordRun(context.Background(), tb.NewRunRecord("r", report, fatal)); err != nil {
		t.Fatal(err)
	}
	runs, _ := h.ListRuns(context.Background(), "restore", 1)
	if len(runs) != 1 || runs[0].Status != tb.StatusFailed || runs[0].Error != "backup set not found" {
		t.Errorf("unexpected runs %+v", runs)
	}
}

func TestSQLiteHistory_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, err := NewSQLiteHistory(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.RecordRun(context.Background(), record("keep", "backup", base, tb.StatusSuccess)); err != nil {
		t.Fatal(err)
	}
	h.Close()

	h, err = NewSQLiteHistory(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer h.Close()
	runs, err := h.ListRuns(context.Background(), "", 5)
	if err != nil || len(runs) != 1 || runs[0].ID != "keep" {
		t.Errorf("ListRuns() after reopen = %v, %v", runs, err)
	}
}
