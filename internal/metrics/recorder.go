// Package metrics writes run results as a Prometheus textfile for node_exporter's
// textfile collector, so cron-driven runs can be alerted on.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tb-go/internal/tb"
)

const (
	namespace = "tb"

	lastRunTimestamp     = "last_run_timestamp_seconds"
	lastSuccessTimestamp = "last_success_timestamp_seconds"
	runDuration          = "run_duration_seconds"
	runStatus            = "run_status"
	componentSuccess     = "component_success"
	componentDuration    = "component_duration_seconds"
	artifactBytes        = "artifact_bytes"
)

var statuses = []tb.RunStatus{tb.StatusSuccess, tb.StatusPartial, tb.StatusFailed, tb.StatusSkipped}

// Recorder writes one textfile per run kind into a directory.
type Recorder struct {
	Dir         string
	Client      string
	Environment string
}

// NewRecorder returns nil when dir is empty, which disables metrics.
func NewRecorder(dir, client, environment string) *Recorder {
	if dir == "" {
		return nil
	}
	return &Recorder{Dir: dir, Client: client, Environment: environment}
}

// Path returns the textfile written for the given run kind.
func (r *Recorder) Path(kind string) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%s_%s.prom", namespace, kind))
}

// Record writes the report. lastSuccess is the finish time of the most recent
// successful run of the same kind and is left out when zero. A nil Recorder is a no-op.
func (r *Recorder) Record(report *tb.RunReport, lastSuccess time.Time) error {
	if r == nil {
		return nil
	}
	if err := os.MkdirAll(r.Dir, 0755); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}

	labels := prometheus.Labels{"client": r.Client, "environment": r.Environment, "kind": report.Kind}
	registry := prometheus.NewRegistry()

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		registry.MustRegister(g)
		return g
	}
	vec := func(name, help string, label string) *prometheus.GaugeVec {
		v := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, []string{label})
		registry.MustRegister(v)
		return v
	}

	gauge(lastRunTimestamp, "When the last run finished").Set(unix(report.Finished))
	gauge(runDuration, "Wall-clock duration of the last run").Set(report.Duration().Seconds())
	if report.Status == tb.StatusSuccess {
		lastSuccess = report.Finished
	}
	if !lastSuccess.IsZero() {
		gauge(lastSuccessTimestamp, "When the last fully successful run finished").Set(unix(lastSuccess))
	}

	status := vec(runStatus, "1 for the status the last run ended with", "status")
	for _, s := range statuses {
		v := 0.0
		if report.Status == s {
			v = 1
		}
		status.WithLabelValues(string(s)).Set(v)
	}

	outcomes := report.Outcomes()
	if len(outcomes) > 0 {
		success := vec(componentSuccess, "1 if the component of the last run succeeded", "component")
		duration := vec(componentDuration, "Duration of each component of the last run", "component")
		for _, o := range outcomes {
			v := 0.0
			if o.OK() {
				v = 1
			}
			success.WithLabelValues(o.Component).Set(v)
			duration.WithLabelValues(o.Component).Set(o.Duration.Seconds())
		}
	}

	if artifacts := report.Artifacts(); len(artifacts) > 0 {
		size := vec(artifactBytes, "Size of each archive produced by the last run", "artifact")
		for _, a := range artifacts {
			size.WithLabelValues(filepath.Base(a.Path)).Set(float64(a.Size))
		}
	}

	if err := prometheus.WriteToTextfile(r.Path(report.Kind), registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

func unix(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
