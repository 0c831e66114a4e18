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

// Package job implements the per-job state machine and phase planner. A
// State is rebuildable in-memory cache; the job and task-group records in
// mds are the only durable truth.
package job

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/JeffreyRichter/enum/enum"
	"github.com/hashicorp/go-hclog"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/mds"
)

// EPhase is the zero value of Phase; its methods are the enumerators for
// the job lifecycle.
var EPhase = Phase(0)

// Phase is the job's coarse lifecycle state.
type Phase uint8

func (Phase) Unassigned() Phase    { return Phase(0) }
func (Phase) Uninitialized() Phase { return Phase(1) }
func (Phase) Planning() Phase      { return Phase(2) }
func (Phase) Running() Phase       { return Phase(3) }
func (Phase) Done() Phase          { return Phase(4) }

func (p Phase) String() string { return enum.StringInt(p, reflect.TypeOf(p)) }

// PhaseSlot holds the reconstructible, per-phase planning state.
type PhaseSlot struct {
	// Input is the resolved, order-preserving input key set for this
	// phase: either the job's inputKeys (phase 0) or the prior phase's
	// ok-result outputs (phase k>0).
	Input []common.Key
	// Groups is every task-group record belonging to this phase, keyed
	// by id, merged in from listTaskGroups/saveTaskGroups/watch.
	Groups map[common.TaskGroupID]mds.TaskGroupRecord
	// UnassignedKeys is exactly Input minus the union of every group's
	// InputKeys and minus FailedKeys, recomputed on every planner entry.
	UnassignedKeys map[common.Key]struct{}
	// FailedKeys records per-key unlocatable-key outcomes (step 4 of the
	// planner): these are terminal for the key but not for the phase.
	FailedKeys map[common.Key]struct{}
	// retries counts consecutive Transient failures in this phase's
	// planner, compared against retryBudget before escalating.
	retries int
	// watchCursor is the last cursor seen from watchTaskGroups while this
	// phase was current. Each phase has its own, so a newly entered phase
	// starts watching from the zero cursor.
	watchCursor mds.WatchCursor
}

func newPhaseSlot() *PhaseSlot {
	return &PhaseSlot{
		Groups:         make(map[common.TaskGroupID]mds.TaskGroupRecord),
		UnassignedKeys: make(map[common.Key]struct{}),
		FailedKeys:     make(map[common.Key]struct{}),
	}
}

// State is the in-memory per-job state: rebuildable cache, never itself
// the source of truth. Exactly one asynchronous Gateway call may be
// outstanding at a time (pendingOp), so a job never has two mutations in
// flight.
type State struct {
	JobID common.JobID
	Job   mds.JobRecord

	phase          Phase
	stateEnteredAt time.Time
	phaseIndex     int
	slots          map[int]*PhaseSlot

	pendingOp bool

	// self latches the supervisor uuid the first time Tick observes it
	// (every top-level call from supervisor.Supervisor passes it;
	// internal recursive re-entries pass ""). heartbeat needs the real
	// value even when re-entered that way.
	self string

	// lastHeartbeat is when mtime was last refreshed, by either AssignJob
	// or heartbeat(). Consulted by dueForHeartbeat (job/heartbeat.go).
	lastHeartbeat time.Time

	// priorWorker is the worker value observed at discovery time; it is
	// the expectedWorker argument to AssignJob: empty for a never-owned
	// job, or the stale owner's uuid for a reclaimed one.
	priorWorker string

	// assignResult stashes the stored record between the AssignJob call
	// and its completion handler; only ever touched on the serialized
	// event-loop goroutine.
	assignResult *mds.JobRecord

	// dropRequested is set by a completion handler that determines this
	// job is no longer ours to track (Conflict, NotFound, Validation or
	// LockLost); reaching DONE is reported through Done() instead. The
	// owner checks this after every Tick and removes the
	// job, per the Open Question decision in DESIGN.md (liveness-check
	// style drop, not a tombstone set).
	dropRequested bool

	// onAssignConflict, if set, is called when jobAssign loses the CAS
	// race. Optional so tests and SyncScheduler-driven callers don't
	// need a metrics dependency just to construct a State.
	onAssignConflict func()

	// onLocate, if set, is called with the wall-clock duration of every
	// completed mantaLocate call. Optional for the same reason as
	// onAssignConflict above.
	onLocate func(time.Duration)

	log common.ILogger
}

// SetOnAssignConflict installs a callback invoked whenever jobAssign loses
// the assignment race to another supervisor. The owner uses it to feed a
// metrics counter; nil is a valid value and disables the callback.
func (s *State) SetOnAssignConflict(fn func()) { s.onAssignConflict = fn }

// SetOnLocate installs a callback invoked with the duration of every
// completed mantaLocate call. The owner uses it to feed a metrics
// histogram; nil is a valid value and disables the callback.
func (s *State) SetOnLocate(fn func(time.Duration)) { s.onLocate = fn }

// DropRequested reports whether this job should be removed from the
// owner's table after the current Tick.
func (s *State) DropRequested() bool { return s.dropRequested }

// NewState creates a freshly-discovered job in UNASSIGNED.
func NewState(rec mds.JobRecord, log common.ILogger) *State {
	return &State{
		JobID:          rec.JobID,
		Job:            rec,
		phase:          EPhase.Unassigned(),
		stateEnteredAt: time.Now(),
		slots:          make(map[int]*PhaseSlot),
		priorWorker:    rec.Worker,
		log:            log,
	}
}

// Phase returns the job's current lifecycle phase.
func (s *State) Phase() Phase { return s.phase }

// PendingOp reports whether an asynchronous Gateway call is outstanding.
func (s *State) PendingOp() bool { return s.pendingOp }

// PhaseIndex returns the 0-based index of the phase currently being
// planned or run.
func (s *State) PhaseIndex() int { return s.phaseIndex }

func (s *State) enter(p Phase) {
	s.phase = p
	s.stateEnteredAt = time.Now()
}

func (s *State) slot(phaseIndex int) *PhaseSlot {
	sl, ok := s.slots[phaseIndex]
	if !ok {
		sl = newPhaseSlot()
		s.slots[phaseIndex] = sl
	}
	return sl
}

func (s *State) currentSlot() *PhaseSlot { return s.slot(s.phaseIndex) }

// assertf panics (via the job's logger, which crashes the process) if cond
// is false. Used exclusively for impossible states and broken assertions:
// programmer bugs, not recoverable conditions.
func (s *State) assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	s.log.Panic(common.ErrFatal(fmt.Sprintf(format, args...)))
}

// failJob transitions the job straight to DONE with a failed result,
// short-circuiting the rest of its phases. Used for job-fatal phase
// results and for the retry-budget escalation in taskGroupAssign.
func (s *State) failJob(message string) {
	s.Job.State = mds.EJobStatus.Done()
	s.Job.Results = mds.JobResultStatus{Ok: false, Message: message}
	s.log.Log(hclog.Warn, "job failed", "job_id", s.JobID, "reason", message)
	s.enter(EPhase.Done())
}

// Scheduler is how job.State arranges for Gateway calls to run without
// blocking Tick, and for their completions to be applied back to the job
// table under single-flight serialization. Async runs op on its own
// goroutine; onDone is
// invoked serialized with every other event the owner processes (ticks,
// discovery, other jobs' completions) and is where the result is actually
// applied to s.
//
// supervisor.Supervisor implements this with a real goroutine + event
// channel; tests use a SyncScheduler that runs everything inline so
// assertions can run immediately after Tick returns.
type Scheduler interface {
	Async(op func(ctx context.Context) error, onDone func(err error))
}

// gatewayTimeout bounds every Gateway call so pendingOp can never wedge a
// job forever.
var gatewayTimeout = 10 * time.Second

// WithTimeout returns a context bounded by the configured gateway timeout.
func WithTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, gatewayTimeout)
}

// SetGatewayTimeout overrides the default bound on every Gateway call.
// Called from supervisor.New with Config.GatewayTimeout.
func SetGatewayTimeout(d time.Duration) { gatewayTimeout = d }

// retryBudget bounds consecutive Transient failures in a single phase's
// planner before the job is surfaced as job-fatal instead of retried
// forever. Zero disables the budget entirely and the planner retries
// unbounded.
var retryBudget int

// SetRetryBudget overrides the default per-phase planner retry budget.
// Called from supervisor.New with Config.RetryBudget.
func SetRetryBudget(n int) { retryBudget = n }
