package supervisor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/job"
	"github.com/davepacheco/manta-marlin/mds"
	"github.com/davepacheco/manta-marlin/supervisor"
)

func testLogger() common.ILogger { return common.NewLogger("test", hclog.Off) }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

// Discovery, single phase, single host: the supervisor reaches RUNNING
// entirely through its own tick loop and real goroutine-backed scheduler,
// not SyncScheduler -- this is the integration-level counterpart to
// job/state_test.go's TestColdStartSinglePhase.
func TestSupervisorDiscoversAndRunsJob(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	jobID := common.NewJobID()
	gw.SeedJob(mds.JobRecord{
		JobID:     jobID,
		Phases:    []mds.PhaseDescriptor{{}},
		InputKeys: []common.Key{"k1"},
		State:     mds.EJobStatus.Unassigned(),
	})
	gw.SeedLocation("k1", []common.Host{"hA"})

	cfg := common.DefaultConfig()
	cfg.UUID = "sup-1"
	cfg.TickInterval = 10 * time.Millisecond
	cfg.FindInterval = 10 * time.Millisecond

	sup := supervisor.New(cfg, gw, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitFor(t, 2*time.Second, func() bool {
		snap, found := sup.SnapshotOne(jobID)
		return found && snap.Phase == job.EPhase.Running().String()
	})

	groups, err := gw.ListTaskGroups(context.Background(), jobID)
	a.NoError(err)
	a.Len(groups, 1)
	a.Equal(common.Host("hA"), groups[0].Host)
}

// The owned-job cap: discovery events beyond MaxOwnedJobs are dropped
// rather than tracked.
func TestOwnedJobCap(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)

	for i := 0; i < 3; i++ {
		gw.SeedJob(mds.JobRecord{
			JobID:     common.NewJobID(),
			Phases:    []mds.PhaseDescriptor{{}},
			InputKeys: []common.Key{"k1"},
			State:     mds.EJobStatus.Unassigned(),
		})
	}

	cfg := common.DefaultConfig()
	cfg.UUID = "sup-1"
	cfg.MaxOwnedJobs = 1
	cfg.TickInterval = 10 * time.Millisecond
	cfg.FindInterval = 10 * time.Millisecond

	sup := supervisor.New(cfg, gw, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitFor(t, time.Second, func() bool {
		return len(sup.Snapshot()) >= 1
	})
	time.Sleep(100 * time.Millisecond)

	a.LessOrEqual(len(sup.Snapshot()), cfg.MaxOwnedJobs)
}

// lockLostGateway lets the first ListTaskGroups call for a chosen job through
// and blocks every later one forever (simulating a restore that never
// finishes), blocks
// SaveTaskGroups for that job until saveBlock is closed, while counting
// SaveTaskGroups and WatchTaskGroups calls -- enough control to pin down
// exactly when a planner's completion handler fires relative to the
// supervisor dropping the job from its table.
type lockLostGateway struct {
	*mds.MemoryGateway

	jobID common.JobID

	restoreCalls int32
	restoreBlock chan struct{} // never closed: a second restore sticks forever

	saveCalls int32
	saveBlock chan struct{}

	watchCalls int32
}

func (g *lockLostGateway) ListTaskGroups(ctx context.Context, jobID common.JobID) ([]mds.TaskGroupRecord, error) {
	if jobID == g.jobID {
		if atomic.AddInt32(&g.restoreCalls, 1) > 1 {
			<-g.restoreBlock
		}
	}
	return g.MemoryGateway.ListTaskGroups(ctx, jobID)
}

func (g *lockLostGateway) SaveTaskGroups(ctx context.Context, groups []mds.TaskGroupRecord) ([]mds.SaveOutcome, error) {
	if len(groups) > 0 && groups[0].JobID == g.jobID {
		atomic.AddInt32(&g.saveCalls, 1)
		<-g.saveBlock
	}
	return g.MemoryGateway.SaveTaskGroups(ctx, groups)
}

func (g *lockLostGateway) WatchTaskGroups(ctx context.Context, jobID common.JobID, cursor mds.WatchCursor) ([]mds.TaskGroupRecord, mds.WatchCursor, error) {
	if jobID == g.jobID {
		atomic.AddInt32(&g.watchCalls, 1)
	}
	return g.MemoryGateway.WatchTaskGroups(ctx, jobID, cursor)
}

// Lock lost mid-flight: while a job's planner has a
// SaveTaskGroups call outstanding, this supervisor's own discovery scan
// reports the same job as abandoned (its mtime went stale because
// pendingOp blocked the heartbeat the whole time); onJob drops the tracked
// job.State and, since a replacement's own restore then sticks forever,
// never creates a new one that could legitimately call WatchTaskGroups.
// When the original SaveTaskGroups completes, its completion handler must
// discard the result instead of mutating the orphaned state and recursing
// into RUNNING -- the fix under test is exactly this discard.
func TestLockLostMidFlightDiscardsStaleCompletion(t *testing.T) {
	a := assert.New(t)
	mem := mds.NewMemoryGateway(30 * time.Millisecond)
	jobID := common.NewJobID()
	gw := &lockLostGateway{
		MemoryGateway: mem,
		jobID:         jobID,
		restoreBlock:  make(chan struct{}),
		saveBlock:     make(chan struct{}),
	}

	mem.SeedJob(mds.JobRecord{
		JobID:     jobID,
		Phases:    []mds.PhaseDescriptor{{}},
		InputKeys: []common.Key{"k1"},
		State:     mds.EJobStatus.Unassigned(),
	})
	mem.SeedLocation("k1", []common.Host{"hA"})

	cfg := common.DefaultConfig()
	cfg.UUID = "sup-1"
	cfg.TickInterval = 5 * time.Millisecond
	cfg.FindInterval = 5 * time.Millisecond
	cfg.StalenessThreshold = 30 * time.Millisecond

	sup := supervisor.New(cfg, gw, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	// Wait for the planner's SaveTaskGroups to be in flight: the job is
	// past restore, has located its one key, and is blocked persisting
	// the group it plans to create.
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&gw.saveCalls) > 0
	})

	// Wait for onJob to observe the job's own mtime gone stale (pendingOp
	// blocked its heartbeat) and drop it, then for the replacement it
	// creates to get stuck on its own restore -- proof a fresh job.State
	// is now the one in the table, not the original blocked on save.
	waitFor(t, 2*time.Second, func() bool {
		return atomic.LoadInt32(&gw.restoreCalls) > 1
	})

	// Release the orphaned SaveTaskGroups call. Its real write already
	// landed (at-least-once); what must NOT happen is its
	// completion handler mutating the orphaned job.State and recursing
	// into RUNNING, which would call WatchTaskGroups for a job this
	// supervisor no longer tracks.
	close(gw.saveBlock)
	time.Sleep(100 * time.Millisecond)

	a.Equal(int32(0), atomic.LoadInt32(&gw.watchCalls),
		"a discarded save completion must never reach runningTick/watchTaskGroups")
	a.Equal(int32(1), atomic.LoadInt32(&gw.saveCalls),
		"the replacement job.State is stuck in restore and never re-enters planning")
}

func TestWorkerSnapshotReportsUUID(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(30 * time.Second)
	cfg := common.DefaultConfig()
	cfg.UUID = "sup-xyz"
	cfg.TickInterval = 50 * time.Millisecond

	sup := supervisor.New(cfg, gw, testLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx)
	defer sup.Stop()

	waitFor(t, time.Second, func() bool {
		return sup.WorkerSnapshot().TicksDone > 0
	})

	a.Equal("sup-xyz", sup.WorkerSnapshot().UUID)
}
