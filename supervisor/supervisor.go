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

// Package supervisor implements the process that owns the global tick
// timer, the job table, and the event loop every job.State is mutated
// under. Exactly one goroutine (run) ever touches the job table or calls
// job.State.Tick; everything else communicates with it over the events
// channel.
package supervisor

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/job"
	"github.com/davepacheco/manta-marlin/mds"
	"github.com/davepacheco/manta-marlin/metrics"
)

// Snapshot is the read-only view of one tracked job exposed to the
// introspection surface. It is a copy; no locks are held across the
// boundary between supervisor and introspection.
type Snapshot struct {
	JobID      common.JobID
	Phase      string
	PhaseIndex int
	PendingOp  bool
	Worker     string
}

// WorkerSnapshot is the supervisor-wide view exposed under the "worker"
// object kind.
type WorkerSnapshot struct {
	UUID       string
	StartedAt  time.Time
	OwnedJobs  int
	TicksDone  uint64
	LastTickAt time.Time
}

type event func()

// Supervisor holds an immutable identity uuid, a log sink, the MDS Gateway
// handle, the job table, and timers. Every field below the constructor is
// only ever touched from the run goroutine.
type Supervisor struct {
	uuid string
	log  common.ILogger
	gw   mds.Gateway
	cfg  common.Config

	events    chan event
	stop      chan struct{}
	stopped   chan struct{}
	startedAt time.Time

	jobs      map[common.JobID]*job.State
	ticksDone uint64
	lastTick  time.Time
	lastFind  time.Time

	metrics *metrics.Metrics
}

// New constructs a Supervisor. Call Start to begin the control loop. m may
// be nil, in which case metrics collection is skipped entirely.
func New(cfg common.Config, gw mds.Gateway, log common.ILogger, m *metrics.Metrics) *Supervisor {
	job.SetGatewayTimeout(cfg.GatewayTimeout)
	if cfg.StalenessThreshold > 0 {
		job.SetHeartbeatInterval(cfg.StalenessThreshold / 3)
	}
	job.SetRetryBudget(cfg.RetryBudget)
	return &Supervisor{
		uuid:    cfg.UUID,
		log:     log,
		gw:      gw,
		cfg:     cfg,
		events:  make(chan event, 256),
		stop:    make(chan struct{}),
		jobs:    make(map[common.JobID]*job.State),
		metrics: m,
	}
}

// scheduler adapts Supervisor into job.Scheduler: op runs on its own
// goroutine, and onDone is posted back onto the single events channel so it
// runs serialized with every tick and every other job's completion. It is
// bound to one
// jobID/*job.State pair at construction, so the posted completion can check
// that pair is still the one sitting in Supervisor.jobs before the
// job-package callback ever touches it.
type scheduler struct {
	s     *Supervisor
	jobID common.JobID
	st    *job.State
}

// Async runs op on its own goroutine; its result only reaches onDone if, at
// the moment the event-loop goroutine gets to it, s.jobs[jobID] is still
// this exact *job.State. A job dropped mid-flight (lock lost, done, or
// replaced by a fresh discovery) leaves its outstanding op to finish -- the
// Gateway call itself already happened and cannot be recalled -- but its
// completion is discarded instead of mutating an orphaned State or
// recursing into further Tick calls for a job this supervisor no longer
// owns.
func (sch scheduler) Async(op func(ctx context.Context) error, onDone func(err error)) {
	go func() {
		ctx, cancel := job.WithTimeout(context.Background())
		defer cancel()
		err := op(ctx)
		sch.s.post(func() {
			if sch.s.jobs[sch.jobID] != sch.st {
				sch.s.log.Log(hclog.Debug, "discarding completion for job no longer tracked", "job_id", sch.jobID)
				return
			}
			onDone(err)
		})
	}()
}

// post enqueues fn to run on the supervisor's single loop goroutine. Safe to
// call from any goroutine.
func (s *Supervisor) post(fn event) {
	select {
	case s.events <- fn:
	case <-s.stop:
	}
}

// Start records the start time and begins the control loop on a new
// goroutine. It returns immediately.
func (s *Supervisor) Start(ctx context.Context) {
	s.startedAt = time.Now()
	s.stopped = make(chan struct{})
	go s.run(ctx)
}

// Stop signals the control loop to exit and blocks until it has.
func (s *Supervisor) Stop() {
	close(s.stop)
	<-s.stopped
}

// run is the sole goroutine that ever mutates s.jobs or calls job.State
// methods. Ticks do not overlap: the next timer is armed only after the
// synchronous tick body returns, so there is exactly one pending tick
// timer at any moment.
func (s *Supervisor) run(ctx context.Context) {
	defer close(s.stopped)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case fn := <-s.events:
			fn()
		case <-timer.C:
			s.tick(ctx)
			timer.Reset(s.cfg.TickInterval)
		}
	}
}

// tick fires fire-and-forget discovery (on its own findInterval cadence,
// which is coarser than the tick), then ticks every tracked job, then
// drops any job a completion handler flagged this pass.
func (s *Supervisor) tick(ctx context.Context) {
	start := time.Now()
	if s.lastFind.IsZero() || time.Since(s.lastFind) >= s.cfg.FindInterval {
		s.lastFind = time.Now()
		s.findUnassignedJobs(ctx)
	}

	for id, st := range s.jobs {
		// A job that reached DONE in a completion handler since the last
		// tick has no phase to dispatch; it is only dropped.
		if !st.Done() {
			st.Tick(ctx, s.gw, s.uuid, scheduler{s: s, jobID: id, st: st})
		}
		if st.Done() {
			s.log.Log(hclog.Info, "job done, dropping", "job_id", id)
			s.recordOutcome(st)
			delete(s.jobs, id)
			continue
		}
		if st.DropRequested() {
			s.log.Log(hclog.Debug, "job dropped", "job_id", id)
			delete(s.jobs, id)
		}
	}

	s.ticksDone++
	s.lastTick = time.Now()

	if s.metrics != nil {
		s.metrics.ObserveTick(time.Since(start))
		s.metrics.OwnedJobs.Set(float64(len(s.jobs)))
	}
}

// recordOutcome updates the completed/failed job counters for a job that
// just reached DONE.
func (s *Supervisor) recordOutcome(st *job.State) {
	if s.metrics == nil {
		return
	}
	if st.Job.Results.Ok {
		s.metrics.JobsCompleted.Inc()
	} else {
		s.metrics.JobsFailed.Inc()
	}
}

// findUnassignedJobs fires the Gateway scan on its own goroutine; matches
// arrive back on the events channel as onJob calls.
func (s *Supervisor) findUnassignedJobs(ctx context.Context) {
	gw := s.gw
	go func() {
		findCtx, cancel := job.WithTimeout(context.Background())
		defer cancel()
		findCtx = mds.WithStaleThreshold(findCtx, s.cfg.StalenessThreshold)
		err := gw.FindUnassignedJobs(findCtx, func(rec mds.JobRecord) {
			s.post(func() { s.onJob(ctx, rec) })
		})
		if err != nil {
			s.post(func() {
				s.log.Log(hclog.Warn, "findUnassignedJobs failed, will retry next tick", "error", err)
				if s.metrics != nil {
					s.metrics.FindErrors.Inc()
				}
			})
		}
	}()
}

// onJob is the discovery handler, including the owned-job
// cap: jobId unknown -> create fresh UNASSIGNED state and tick it; known and
// UNASSIGNED -> ignore (already racing); known and anything else -> this
// supervisor believed it owned the job and just saw it reported as
// unassigned, meaning the MDS considers the lock lost; drop and re-treat as
// new.
func (s *Supervisor) onJob(ctx context.Context, rec mds.JobRecord) {
	existing, tracked := s.jobs[rec.JobID]
	if tracked {
		if existing.Phase() == job.EPhase.Unassigned() {
			return
		}
		s.log.Log(hclog.Warn, "observed owned job reported unassigned, presuming lock lost", "job_id", rec.JobID)
		delete(s.jobs, rec.JobID)
	}

	if len(s.jobs) >= s.cfg.MaxOwnedJobs {
		s.log.Log(hclog.Warn, "owned-job cap reached, dropping discovery event", "job_id", rec.JobID, "cap", s.cfg.MaxOwnedJobs)
		return
	}

	st := job.NewState(rec, common.NamedChild(s.log, "job", "job_id", rec.JobID))
	if s.metrics != nil {
		st.SetOnAssignConflict(s.metrics.AssignConflicts.Inc)
		st.SetOnLocate(s.metrics.ObserveLocate)
	}
	s.jobs[rec.JobID] = st
	st.Tick(ctx, s.gw, s.uuid, scheduler{s: s, jobID: rec.JobID, st: st})
}

// Snapshot returns point-in-time copies of every tracked job, for the
// introspection surface. Safe to call from any goroutine; it
// round-trips through the events channel so the read observes a
// consistent table.
func (s *Supervisor) Snapshot() []Snapshot {
	done := make(chan []Snapshot, 1)
	s.post(func() {
		out := make([]Snapshot, 0, len(s.jobs))
		for id, st := range s.jobs {
			out = append(out, Snapshot{
				JobID:      id,
				Phase:      st.Phase().String(),
				PhaseIndex: st.PhaseIndex(),
				PendingOp:  st.PendingOp(),
				Worker:     st.Job.Worker,
			})
		}
		done <- out
	})
	select {
	case out := <-done:
		return out
	case <-s.stop:
		return nil
	}
}

// SnapshotOne returns the snapshot for a single tracked job, and whether it
// was found -- the backing for GET /v1/jobs/{jobId}.
func (s *Supervisor) SnapshotOne(id common.JobID) (Snapshot, bool) {
	type result struct {
		snap  Snapshot
		found bool
	}
	done := make(chan result, 1)
	s.post(func() {
		st, ok := s.jobs[id]
		if !ok {
			done <- result{}
			return
		}
		done <- result{Snapshot{
			JobID:      id,
			Phase:      st.Phase().String(),
			PhaseIndex: st.PhaseIndex(),
			PendingOp:  st.PendingOp(),
			Worker:     st.Job.Worker,
		}, true}
	})
	select {
	case r := <-done:
		return r.snap, r.found
	case <-s.stop:
		return Snapshot{}, false
	}
}

// WorkerSnapshot returns the supervisor-wide introspection view.
func (s *Supervisor) WorkerSnapshot() WorkerSnapshot {
	done := make(chan WorkerSnapshot, 1)
	s.post(func() {
		done <- WorkerSnapshot{
			UUID:       s.uuid,
			StartedAt:  s.startedAt,
			OwnedJobs:  len(s.jobs),
			TicksDone:  s.ticksDone,
			LastTickAt: s.lastTick,
		}
	})
	select {
	case w := <-done:
		return w
	case <-s.stop:
		return WorkerSnapshot{UUID: s.uuid, StartedAt: s.startedAt}
	}
}
