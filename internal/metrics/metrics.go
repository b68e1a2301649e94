// Package metrics exports deployment results in the node_exporter textfile
// format.
package metrics

import (
	"fmt"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "backup_deploy"

// Recorder holds the gauges for one run on a private registry.
type Recorder struct {
	registry     *prometheus.Registry
	HostSuccess  *prometheus.GaugeVec
	HostDuration *prometheus.GaugeVec
	LastRun      prometheus.Gauge
}

// NewRecorder creates a recorder with its own registry.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		HostSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "host_success",
			Help:      "Whether the last deployment to the host succeeded (1) or not (0).",
		}, []string{"host"}),
		HostDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "host_duration_seconds",
			Help:      "Duration of the last deployment to the host.",
		}, []string{"host"}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last deployment run finished.",
		}),
	}
	r.registry.MustRegister(r.HostSuccess, r.HostDuration, r.LastRun)
	return r
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Record sets the gauges from a finished run.
func (r *Recorder) Record(report models.FleetReport, finished time.Time) {
	for _, o := range report.Outcomes {
		success := 0.0
		if o.Success() {
			success = 1
		}
		r.HostSuccess.WithLabelValues(o.Host).Set(success)
		r.HostDuration.WithLabelValues(o.Host).Set(o.Duration.Seconds())
	}
	r.LastRun.Set(float64(finished.Unix()))
}

// WriteTextfile writes the registry to path. The file is replaced
// atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
