// Copyright © Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package metrics is the ambient observability surface the core's Non-goals
// explicitly exclude from the supervisor's decision logic but that a
// production deployment still needs: Prometheus collectors tracking tick
// latency, owned-job counts, and assignment conflicts.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the supervisor updates during a tick.
type Metrics struct {
	TickDuration    prometheus.Histogram
	OwnedJobs       prometheus.Gauge
	AssignConflicts prometheus.Counter
	LocateDuration  prometheus.Histogram
	FindErrors      prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
}

// New registers every collector against a fresh registry and returns both
// the bundle and an http.Handler serving it, so cmd/marlin-supervisord can
// mount it on its own listener (HTTPConfig.MetricsAddr).
func New() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marlin_supervisor",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock time spent in one synchronous tick() pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		OwnedJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "marlin_supervisor",
			Name:      "owned_jobs",
			Help:      "Number of jobs currently tracked in this supervisor's job table.",
		}),
		AssignConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marlin_supervisor",
			Name:      "assign_conflicts_total",
			Help:      "Number of assignJob calls that lost the conditional-write race.",
		}),
		LocateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marlin_supervisor",
			Name:      "locate_duration_seconds",
			Help:      "Wall-clock time spent in mantaLocate calls from the phase planner.",
			Buckets:   prometheus.DefBuckets,
		}),
		FindErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marlin_supervisor",
			Name:      "find_unassigned_errors_total",
			Help:      "Number of findUnassignedJobs calls that failed.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marlin_supervisor",
			Name:      "jobs_completed_total",
			Help:      "Number of jobs that reached DONE with a successful outcome.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "marlin_supervisor",
			Name:      "jobs_failed_total",
			Help:      "Number of jobs that reached DONE with a failed outcome.",
		}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ObserveTick records the duration of one tick() pass.
func (m *Metrics) ObserveTick(d time.Duration) { m.TickDuration.Observe(d.Seconds()) }

// ObserveLocate records the duration of one mantaLocate call.
func (m *Metrics) ObserveLocate(d time.Duration) { m.LocateDuration.Observe(d.Seconds()) }
