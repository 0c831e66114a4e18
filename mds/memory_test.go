package mds_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/mds"
)

func TestFindUnassignedJobsStaleness(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(10 * time.Second)

	fresh := mds.JobRecord{JobID: common.NewJobID(), Worker: "w1", Mtime: time.Now()}
	stale := mds.JobRecord{JobID: common.NewJobID(), Worker: "w2", Mtime: time.Now().Add(-time.Minute)}
	unowned := mds.JobRecord{JobID: common.NewJobID()}
	done := mds.JobRecord{JobID: common.NewJobID(), State: mds.EJobStatus.Done(), Mtime: time.Now().Add(-time.Hour)}

	for _, j := range []mds.JobRecord{fresh, stale, unowned, done} {
		gw.SeedJob(j)
	}

	var found []common.JobID
	err := gw.FindUnassignedJobs(context.Background(), func(j mds.JobRecord) {
		found = append(found, j.JobID)
	})
	a.NoError(err)
	a.ElementsMatch([]common.JobID{stale.JobID, unowned.JobID}, found)
}

func TestAssignJobConflict(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(10 * time.Second)
	id := common.NewJobID()
	gw.SeedJob(mds.JobRecord{JobID: id})
	ctx := context.Background()

	stored, err := gw.AssignJob(ctx, mds.JobRecord{JobID: id, Worker: "a"}, "")
	a.NoError(err)
	a.Equal("a", stored.Worker)

	_, err = gw.AssignJob(ctx, mds.JobRecord{JobID: id, Worker: "b"}, "")
	a.True(common.IsKind(err, common.EErrorKind.Conflict()))
}

func TestSaveTaskGroupsRejectsDuplicateID(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(10 * time.Second)
	ctx := context.Background()

	g := mds.TaskGroupRecord{JobID: common.NewJobID(), TaskGroupID: common.NewTaskGroupID(), InputKeys: []common.Key{"k1"}}

	outcomes, err := gw.SaveTaskGroups(ctx, []mds.TaskGroupRecord{g, g})
	a.NoError(err)
	a.Len(outcomes, 2)
	a.NoError(outcomes[0].Err)
	a.True(common.IsKind(outcomes[1].Err, common.EErrorKind.Conflict()))
}

func TestWatchTaskGroupsCursorAdvances(t *testing.T) {
	a := assert.New(t)
	gw := mds.NewMemoryGateway(10 * time.Second)
	ctx := context.Background()
	jobID := common.NewJobID()

	g1 := mds.TaskGroupRecord{JobID: jobID, TaskGroupID: common.NewTaskGroupID(), InputKeys: []common.Key{"k1"}}
	gw.UpdateTaskGroup(g1)

	changed, cursor, err := gw.WatchTaskGroups(ctx, jobID, 0)
	a.NoError(err)
	a.Len(changed, 1)

	changed, _, err = gw.WatchTaskGroups(ctx, jobID, cursor)
	a.NoError(err)
	a.Len(changed, 0, "nothing changed since cursor")

	g1.State = mds.ETaskGroupState.Running()
	gw.UpdateTaskGroup(g1)

	changed, _, err = gw.WatchTaskGroups(ctx, jobID, cursor)
	a.NoError(err)
	a.Len(changed, 1, "update since cursor should surface")
}
