package job_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/job"
	"github.com/davepacheco/manta-marlin/mds"
)

func testLogger() common.ILogger {
	return common.NewLogger("test", hclog.Off)
}

func seedPhaseJob(gw *mds.MemoryGateway, id common.JobID, inputKeys []common.Key) mds.JobRecord {
	rec := mds.JobRecord{
		JobID:     id,
		Phases:    []mds.PhaseDescriptor{{}},
		InputKeys: inputKeys,
		State:     mds.EJobStatus.Unassigned(),
	}
	gw.SeedJob(rec)
	return rec
}

// Cold start, single phase: keys split across three hosts.
func TestColdStartSinglePhase(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	keys := []common.Key{"k1", "k2", "k3", "k4", "k5", "k6"}
	gw.SeedLocation("k1", []common.Host{"hA"})
	gw.SeedLocation("k2", []common.Host{"hA"})
	gw.SeedLocation("k3", []common.Host{"hB"})
	gw.SeedLocation("k4", []common.Host{"hB"})
	gw.SeedLocation("k5", []common.Host{"hC"})
	gw.SeedLocation("k6", []common.Host{"hC"})

	rec := seedPhaseJob(gw, common.NewJobID(), keys)
	st := job.NewState(rec, testLogger())
	sched := job.SyncScheduler{}
	ctx := context.Background()

	// assign -> restore -> plan -> running, each a single synchronous
	// hop since SyncScheduler never defers.
	st.Tick(ctx, gw, "worker-a", sched)

	a.Equal(job.EPhase.Running(), st.Phase())

	groups, err := gw.ListTaskGroups(ctx, rec.JobID)
	a.NoError(err)
	a.GreaterOrEqual(len(groups), 2)
	a.LessOrEqual(len(groups), 3)

	seen := make(map[common.Key]bool)
	for _, g := range groups {
		for _, k := range g.InputKeys {
			a.False(seen[k], "key %s assigned twice", k)
			seen[k] = true
		}
	}
	a.Len(seen, len(keys))
}

// Conflict on assign: the loser drops the job.
func TestConflictOnAssign(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)
	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	stA := job.NewState(rec, testLogger())
	stB := job.NewState(rec, testLogger())

	// k1 has no location, so the winner cascades through restore and
	// planning straight to RUNNING within this one Tick.
	stA.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), stA.Phase())

	stB.Tick(ctx, gw, "worker-b", sched)
	a.True(stB.DropRequested())
}

// Recovery: the prior owner assigned this job and persisted
// groups for half the keys before dying; a second supervisor reclaims the
// stale record, restores phase 0, and plans only the unpersisted half.
func TestRecoveryPlansOnlyMissingKeys(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	jobID := common.NewJobID()
	rec := mds.JobRecord{
		JobID:     jobID,
		Phases:    []mds.PhaseDescriptor{{}},
		InputKeys: []common.Key{"k1", "k2", "k3", "k4"},
		Worker:    "worker-a",
		Mtime:     time.Now().Add(-time.Minute),
		State:     mds.EJobStatus.Running(),
	}
	gw.SeedJob(rec)

	existing := mds.TaskGroupRecord{
		JobID: jobID, TaskGroupID: common.NewTaskGroupID(),
		PhaseNum: 0, Host: "hA", InputKeys: []common.Key{"k1", "k2"},
		State: mds.ETaskGroupState.Dispatched(),
	}
	gw.UpdateTaskGroup(existing)

	gw.SeedLocation("k1", []common.Host{"hA"})
	gw.SeedLocation("k2", []common.Host{"hA"})
	gw.SeedLocation("k3", []common.Host{"hB"})
	gw.SeedLocation("k4", []common.Host{"hB"})

	ctx := context.Background()
	sched := job.SyncScheduler{}
	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-b", sched)

	a.Equal(job.EPhase.Running(), st.Phase())

	groups, err := gw.ListTaskGroups(ctx, jobID)
	a.NoError(err)
	a.Len(groups, 2, "exactly one new group for the unpersisted half")
	for _, g := range groups {
		if g.TaskGroupID == existing.TaskGroupID {
			continue
		}
		a.ElementsMatch([]common.Key{"k3", "k4"}, g.InputKeys)
		a.Equal(common.Host("hB"), g.Host)
	}
}

// Mutual exclusion: N supervisors racing on one job; exactly one
// observes a successful assign, every other sees Conflict and drops.
func TestAssignMutualExclusion(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)
	gw.SeedLocation("k1", []common.Host{"hA"})
	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	winners := 0
	for i := 0; i < 5; i++ {
		st := job.NewState(rec, testLogger())
		st.Tick(ctx, gw, fmt.Sprintf("worker-%d", i), sched)
		if !st.DropRequested() {
			winners++
		}
	}
	a.Equal(1, winners)
}

// An unlocatable key is recorded as a failure outcome; the rest
// of the phase still reaches RUNNING.
func TestUnlocatableKey(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	gw.SeedLocation("k1", []common.Host{"hA"})
	gw.SeedLocation("k2", []common.Host{"hA"})
	// k3 deliberately not seeded: MantaLocate returns an empty/absent
	// entry for it.

	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1", "k2", "k3"})
	st := job.NewState(rec, testLogger())
	ctx := context.Background()
	sched := job.SyncScheduler{}

	st.Tick(ctx, gw, "worker-a", sched)

	a.Equal(job.EPhase.Running(), st.Phase())

	groups, err := gw.ListTaskGroups(ctx, rec.JobID)
	a.NoError(err)
	a.Len(groups, 1)
	a.ElementsMatch([]common.Key{"k1", "k2"}, groups[0].InputKeys)
}

// A job due for refresh heartbeats successfully: mtime advances and the
// job keeps ticking normally afterward.
func TestHeartbeatRefreshesMtime(t *testing.T) {
	a := assert.New(t)
	job.SetHeartbeatInterval(time.Millisecond)
	defer job.SetHeartbeatInterval(0)

	gw := mds.NewMemoryGateway(30 * time.Second)
	clock := time.Now()
	gw.SetNow(func() time.Time { return clock })
	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	// k1 has no location, so the first Tick cascades to RUNNING without
	// creating any task group.
	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), st.Phase())

	before, err := gw.ListTaskGroups(ctx, rec.JobID)
	a.NoError(err)
	a.Len(before, 0)

	// Move the store's clock past the staleness threshold: without a
	// refresh, the mtime written at assignment would now read as abandoned.
	clock = clock.Add(time.Hour)
	time.Sleep(2 * time.Millisecond)

	// Next tick is due for a heartbeat instead of its normal dispatch
	// (watchTaskGroups); the job stays in RUNNING and keeps its lock.
	st.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), st.Phase())
	a.False(st.DropRequested())

	var abandoned []common.JobID
	a.NoError(gw.FindUnassignedJobs(ctx, func(j mds.JobRecord) { abandoned = append(abandoned, j.JobID) }))
	a.Empty(abandoned, "the heartbeat refreshed mtime, so the job is not reported as abandoned")

	// The tick after that resumes normal dispatch and stays in RUNNING.
	st.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), st.Phase())
}

// A heartbeat observing LockLost (another supervisor's conditional write
// already displaced this one as worker) drops the job immediately.
func TestHeartbeatLockLostDropsJob(t *testing.T) {
	a := assert.New(t)
	job.SetHeartbeatInterval(time.Millisecond)
	defer job.SetHeartbeatInterval(0)

	gw := mds.NewMemoryGateway(30 * time.Second)
	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	// k1 has no location, so the first Tick cascades to RUNNING.
	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), st.Phase())

	// Another supervisor steals the job out from under worker-a.
	_, err := gw.AssignJob(ctx, rec.WithWorker("worker-b"), "worker-a")
	a.NoError(err)

	time.Sleep(2 * time.Millisecond)
	st.Tick(ctx, gw, "worker-a", sched)
	a.True(st.DropRequested())
}

// flakyLocateGateway fails MantaLocate with a Transient error the first n
// times it's called, then delegates normally -- used to drive the
// retry-budget escalation deterministically.
type flakyLocateGateway struct {
	*mds.MemoryGateway
	failuresLeft int
}

func (g *flakyLocateGateway) MantaLocate(ctx context.Context, keys []common.Key) (mds.LocateResult, error) {
	if g.failuresLeft > 0 {
		g.failuresLeft--
		return nil, common.ErrTransient("manta-locate unavailable", nil)
	}
	return g.MemoryGateway.MantaLocate(ctx, keys)
}

// A phase's planner that fails Transient more times than the configured
// budget surfaces the job as job-fatal instead of retrying forever.
func TestPlannerRetryBudgetExhausted(t *testing.T) {
	a := assert.New(t)
	job.SetRetryBudget(2)
	defer job.SetRetryBudget(0)

	mem := mds.NewMemoryGateway(30 * time.Second)
	gw := &flakyLocateGateway{MemoryGateway: mem, failuresLeft: 5}
	mem.SeedLocation("k1", []common.Host{"hA"})

	rec := seedPhaseJob(mem, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched) // assign -> restore -> planning, first locate fails
	a.Equal(job.EPhase.Planning(), st.Phase())
	a.False(st.Done())

	st.Tick(ctx, gw, "worker-a", sched) // second locate fails, budget (2) exhausted
	a.True(st.Done())
	a.False(st.Job.Results.Ok)
}

// A planner that eventually succeeds within its budget resets the counter
// and proceeds normally, never reaching job-fatal.
func TestPlannerRetryBudgetResetsOnSuccess(t *testing.T) {
	a := assert.New(t)
	job.SetRetryBudget(2)
	defer job.SetRetryBudget(0)

	mem := mds.NewMemoryGateway(30 * time.Second)
	gw := &flakyLocateGateway{MemoryGateway: mem, failuresLeft: 1}
	mem.SeedLocation("k1", []common.Host{"hA"})

	rec := seedPhaseJob(mem, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched) // assign -> restore -> planning, locate fails once
	a.Equal(job.EPhase.Planning(), st.Phase())

	st.Tick(ctx, gw, "worker-a", sched) // locate succeeds, plans and reaches RUNNING
	a.Equal(job.EPhase.Running(), st.Phase())
	a.False(st.Done())
}

// Invariant 4: planner idempotence. Re-entering taskGroupAssign once every
// input key is already covered by a persisted group produces no new writes
// and transitions straight to RUNNING.
func TestPlannerIdempotence(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)
	rec := seedPhaseJob(gw, common.NewJobID(), []common.Key{"k1"})
	ctx := context.Background()
	sched := job.SyncScheduler{}

	existing := mds.TaskGroupRecord{
		JobID:       rec.JobID,
		TaskGroupID: common.NewTaskGroupID(),
		PhaseNum:    0,
		Host:        "hA",
		InputKeys:   []common.Key{"k1"},
		State:       mds.ETaskGroupState.Dispatched(),
	}
	gw.UpdateTaskGroup(existing)

	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched)

	a.Equal(job.EPhase.Running(), st.Phase())

	groups, err := gw.ListTaskGroups(ctx, rec.JobID)
	a.NoError(err)
	a.Len(groups, 1, "no new task group should have been written")
}

// Phase advance: a two-phase job's phase 0 group reports an
// ok result with two outputs; completion advances phaseIndex and plans
// phase 1 from those outputs.
func TestPhaseAdvance(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	jobID := common.NewJobID()
	rec := mds.JobRecord{
		JobID:     jobID,
		Phases:    []mds.PhaseDescriptor{{}, {}},
		InputKeys: []common.Key{"k1"},
		State:     mds.EJobStatus.Unassigned(),
	}
	gw.SeedJob(rec)
	gw.SeedLocation("k1", []common.Host{"hA"})
	gw.SeedLocation("o1", []common.Host{"hB"})
	gw.SeedLocation("o2", []common.Host{"hB"})

	ctx := context.Background()
	sched := job.SyncScheduler{}
	st := job.NewState(rec, testLogger())

	st.Tick(ctx, gw, "worker-a", sched)
	a.Equal(job.EPhase.Running(), st.Phase())
	a.Equal(0, st.PhaseIndex())

	groups, err := gw.ListTaskGroups(ctx, jobID)
	a.NoError(err)
	a.Len(groups, 1)

	done := groups[0]
	done.State = mds.ETaskGroupState.Done()
	done.Results = []mds.TaskResult{{
		Key:     "k1",
		Result:  mds.EResultOutcome.Ok(),
		Outputs: []common.Key{"o1", "o2"},
	}}
	gw.UpdateTaskGroup(done)

	st.Tick(ctx, gw, "worker-a", sched)

	a.Equal(1, st.PhaseIndex())
	a.Equal(job.EPhase.Running(), st.Phase())

	phase1Groups, err := gw.ListTaskGroups(ctx, jobID)
	a.NoError(err)
	a.Len(phase1Groups, 2) // one original (phase 0) plus one new (phase 1)
}

// Lock lost mid-flight: another supervisor steals the job while
// pendingOp is set; the completion handler must discard its result instead
// of mutating state, since the owner already removed it from the table.
// This is modeled at the supervisor boundary, in
// supervisor_test.go's TestLockLostMidFlightDiscardsStaleCompletion, because
// job.State alone has no notion of "still in the owner's table" -- that
// liveness check lives in supervisor.scheduler.Async, which binds each
// completion to the jobID/*job.State pair it was dispatched for and
// discards the result if Supervisor.jobs no longer holds that exact pointer.

// Restore bins durable task groups by phaseNum and discards an out-of-range
// record; phase 0's only group is already done with an ok result, so the
// job advances to phase 1 and plans it from that result's output.
func TestJobRestoreBinsByPhase(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)
	jobID := common.NewJobID()

	rec := mds.JobRecord{
		JobID:     jobID,
		Phases:    []mds.PhaseDescriptor{{}, {}},
		InputKeys: []common.Key{"k1"},
		Worker:    "worker-a",
		State:     mds.EJobStatus.Unassigned(),
	}
	gw.SeedJob(rec)

	gw.UpdateTaskGroup(mds.TaskGroupRecord{
		JobID: jobID, TaskGroupID: common.NewTaskGroupID(),
		PhaseNum: 0, Host: "hA", InputKeys: []common.Key{"k1"},
		State: mds.ETaskGroupState.Done(),
		Results: []mds.TaskResult{{
			Key: "k1", Result: mds.EResultOutcome.Ok(), Outputs: []common.Key{"o1"},
		}},
	})
	// Out-of-range phaseNum: must be discarded, not crash the restore.
	gw.UpdateTaskGroup(mds.TaskGroupRecord{
		JobID: jobID, TaskGroupID: common.NewTaskGroupID(),
		PhaseNum: 7, Host: "hA", InputKeys: []common.Key{"bogus"},
	})
	gw.SeedLocation("o1", []common.Host{"hB"})

	ctx := context.Background()
	sched := job.SyncScheduler{}
	st := job.NewState(rec, testLogger())
	st.Tick(ctx, gw, "worker-a", sched)

	a.Equal(1, st.PhaseIndex())
	a.Equal(job.EPhase.Running(), st.Phase())
}
