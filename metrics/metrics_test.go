package metrics_test

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davepacheco/manta-marlin/metrics"
)

func TestMetricsServesAndRecords(t *testing.T) {
	a := assert.New(t)
	m, handler := metrics.New()

	m.ObserveTick(5 * time.Millisecond)
	m.OwnedJobs.Set(3)
	m.AssignConflicts.Inc()
	m.JobsCompleted.Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	a.Equal(200, rec.Code)
	a.Contains(rec.Body.String(), "marlin_supervisor_owned_jobs 3")
}
