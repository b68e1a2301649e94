package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport() models.FleetReport {
	return models.FleetReport{
		Outcomes: []models.HostOutcome{
			{Host: "bas1", Status: models.StatusSuccess, Duration: 1500 * time.Millisecond},
			{Host: "podman-srv1", Status: models.StatusPartial, Duration: 3 * time.Second},
		},
	}
}

func TestRecorder_Record(t *testing.T) {
	r := NewRecorder()
	finished := time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

	r.Record(testReport(), finished)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.HostSuccess.WithLabelValues("bas1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.HostSuccess.WithLabelValues("podman-srv1")))
	assert.Equal(t, 1.5, testutil.ToFloat64(r.HostDuration.WithLabelValues("bas1")))
	assert.Equal(t, float64(finished.Unix()), testutil.ToFloat64(r.LastRun))
	assert.Equal(t, 2, testutil.CollectAndCount(r.HostSuccess))
}

func TestRecorder_Exposition(t *testing.T) {
	r := NewRecorder()
	r.Record(testReport(), time.Unix(1000, 0))

	expected := `
# HELP backup_deploy_host_success Whether the last deployment to the host succeeded (1) or not (0).
# TYPE backup_deploy_host_success gauge
backup_deploy_host_success{host="bas1"} 1
backup_deploy_host_success{host="podman-srv1"} 0
`
	err := testutil.GatherAndCompare(r.Registry(), strings.NewReader(expected), "backup_deploy_host_success")
	require.NoError(t, err)
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r := NewRecorder()
	r.Record(testReport(), time.Unix(1000, 0))
	path := filepath.Join(t.TempDir(), "backup_deploy.prom")

	require.NoError(t, r.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `backup_deploy_host_duration_seconds{host="podman-srv1"} 3`)
	assert.Contains(t, string(content), "backup_deploy_last_run_timestamp_seconds 1000")
}

func TestRecorder_WriteTextfile_BadDirectory(t *testing.T) {
	r := NewRecorder()

	err := r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to write metrics")
}
