package tb_test

import (
	"errors"
	"testing"
	"time"

	"tb-go/internal/tb"
)

func TestRunReport_Finish(t *testing.T) {
	start := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		failing bool
		skipped bool
		fatal   error
		want    tb.RunStatus
	}{
		{"clean", false, false, nil, tb.StatusSuccess},
		{"component failed", true, false, nil, tb.StatusPartial},
		{"fatal", false, false, errors.New("boom"), tb.StatusFailed},
		{"fatal wins over partial", true, false, errors.New("boom"), tb.StatusFailed},
		{"skipped stays skipped", false, true, nil, tb.StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tb.NewRunReport("backup", todayFolder, start)
			r.Record("dump:mysql", nil, time.Second)
			if tt.failing {
				r.Record("upload:gcs", errors.New("403"), time.Second)
			}
			if tt.skipped {
				r.Status = tb.StatusSkipped
			}
			r.Finish(start.Add(time.Minute), tt.fatal)
			if r.Status != tt.want {
				t.Errorf("Status = %s, want %s", r.Status, tt.want)
			}
			if r.Duration() != time.Minute {
				t.Errorf("Duration() = %v", r.Duration())
			}
		})
	}
}

func TestNewRunRecord(t *testing.T) {
	start := time.Date(2025, 1, 15, 2, 0, 0, 0, time.UTC)
	r := tb.NewRunReport("restore", todayFolder, start)
	r.Record("replay:mysql", nil, 3*time.Second)
	r.Record("replay:media", errors.New("chown failed"), time.Second)
	fatal := errors.New("interrupted")
	r.Finish(start.Add(time.Hour), fatal)

	rec := tb.NewRunRecord("run-7", r, fatal)
	if rec.ID != "run-7" || rec.Kind != "restore" || rec.Folder != todayFolder || rec.Status != tb.StatusFailed {
		t.Errorf("record = %+v", rec)
	}
	if rec.Error != "interrupted" || !rec.Finished.Equal(start.Add(time.Hour)) {
		t.Errorf("record = %+v", rec)
	}
	want := []tb.ComponentRecord{
		{Component: "replay:mysql", OK: true, Duration: 3 * time.Second},
		{Component: "replay:media", OK: false, Error: "chown failed", Duration: time.Second},
	}
	if len(rec.Components) != len(want) {
		t.Fatalf("components = %+v", rec.Components)
	}
	for i := range want {
		if rec.Components[i] != want[i] {
			t.Errorf("component %d = %+v, want %+v", i, rec.Components[i], want[i])
		}
	}
}
