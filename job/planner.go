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

package job

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/mds"
)

// taskGroupAssign is the phase planner. It operates purely on the current
// phase's slot and is idempotent across restarts: step 2 subtracts durable
// task-group records from the resolved input set every time it runs, so a
// restart that re-plans a phase only emits groups for keys still missing.
func (s *State) taskGroupAssign(ctx context.Context, gw mds.Gateway, sched Scheduler) {
	slot := s.currentSlot()

	// Step 1 -- input key set. Resolved once per phase and then cached;
	// a phase's input is fixed once its predecessor's groups are done.
	if len(slot.Input) == 0 {
		slot.Input = s.resolvePhaseInput()
	}

	// Step 2 -- unassigned set, recomputed on every entry since a prior
	// entry may have persisted new groups since the last planner pass.
	assigned := make(map[common.Key]struct{})
	for _, g := range slot.Groups {
		for _, k := range g.InputKeys {
			assigned[k] = struct{}{}
		}
	}
	slot.UnassignedKeys = make(map[common.Key]struct{})
	for _, k := range slot.Input {
		if _, failed := slot.FailedKeys[k]; failed {
			continue
		}
		if _, ok := assigned[k]; !ok {
			slot.UnassignedKeys[k] = struct{}{}
		}
	}

	// Step 6 (checked early) -- nothing left to plan, advance to RUNNING
	// without touching the gateway at all. This is what makes the
	// planner idempotent: re-entering with every key already assigned
	// produces no new writes.
	if len(slot.UnassignedKeys) == 0 {
		s.enter(EPhase.Running())
		s.Tick(ctx, gw, "", sched)
		return
	}

	toLocate := make([]common.Key, 0, len(slot.UnassignedKeys))
	for k := range slot.UnassignedKeys {
		toLocate = append(toLocate, k)
	}

	s.pendingOp = true
	var located mds.LocateResult
	start := time.Now()

	sched.Async(func(ctx context.Context) error {
		result, err := gw.MantaLocate(ctx, toLocate)
		located = result
		return err
	}, func(err error) {
		s.pendingOp = false
		if s.onLocate != nil {
			s.onLocate(time.Since(start))
		}
		if err != nil {
			switch common.KindOf(err) {
			case common.EErrorKind.Transient():
				slot.retries++
				s.log.Log(hclog.Warn, "transient error locating keys, will retry", "job_id", s.JobID, "retries", slot.retries, "error", err)
				if retryBudget > 0 && slot.retries >= retryBudget {
					s.failJob(fmt.Sprintf("exceeded retry budget (%d) locating keys: %v", retryBudget, err))
				}
			default:
				s.assertf(false, "job %s: unexpected error kind %s from mantaLocate: %v", s.JobID, common.KindOf(err), err)
			}
			return
		}
		slot.retries = 0
		s.planFromLocations(ctx, gw, sched, toLocate, located)
	})
}

// resolvePhaseInput implements step 1: phase 0 draws from the job's
// inputKeys; phase k>0 concatenates the ok-result outputs of every group in
// the previous phase. Groups are visited in map order, which is unspecified;
// within a group, results keep their recorded order. Duplicate output keys are
// preserved -- they are distinct pieces of output, and step 2's set
// semantics assign each occurrence to exactly one downstream group.
func (s *State) resolvePhaseInput() []common.Key {
	if s.phaseIndex == 0 {
		return append([]common.Key(nil), s.Job.InputKeys...)
	}

	prev := s.slot(s.phaseIndex - 1)
	var input []common.Key
	for _, g := range prev.Groups {
		for _, r := range g.Results {
			if r.Result == mds.EResultOutcome.Ok() {
				input = append(input, r.Outputs...)
			}
		}
	}
	return input
}

// planFromLocations implements steps 4 and 5: partition located keys by
// first-preferred host into fresh task-group records, persist them, and
// merge the outcome back into the slot.
func (s *State) planFromLocations(ctx context.Context, gw mds.Gateway, sched Scheduler, requested []common.Key, located mds.LocateResult) {
	byHost := make(map[common.Host][]common.Key)
	requestedSet := make(map[common.Key]struct{}, len(requested))
	for _, k := range requested {
		requestedSet[k] = struct{}{}
	}

	slot := s.currentSlot()
	for _, k := range requested {
		hosts, ok := located[k]
		if !ok || len(hosts) == 0 {
			// Step 4: unlocatable key. Terminal for the key, not for
			// the phase; it never reaches an agent.
			slot.FailedKeys[k] = struct{}{}
			delete(slot.UnassignedKeys, k)
			continue
		}
		byHost[hosts[0]] = append(byHost[hosts[0]], k)
	}

	for k := range located {
		if _, wanted := requestedSet[k]; !wanted {
			s.log.Log(hclog.Warn, "mantaLocate returned unrequested key, ignoring", "job_id", s.JobID, "key", k)
		}
	}

	if len(byHost) == 0 {
		// Every requested key was unlocatable; nothing to persist this
		// pass, just re-enter the planner on the next tick.
		s.Tick(ctx, gw, "", sched)
		return
	}

	newGroups := make([]mds.TaskGroupRecord, 0, len(byHost))
	for host, keys := range byHost {
		newGroups = append(newGroups, mds.TaskGroupRecord{
			JobID:       s.JobID,
			TaskGroupID: common.NewTaskGroupID(),
			PhaseNum:    s.phaseIndex,
			Host:        host,
			InputKeys:   keys,
			Phase:       s.Job.Phases[s.phaseIndex],
			State:       mds.ETaskGroupState.Dispatched(),
		})
	}

	s.pendingOp = true
	var outcomes []mds.SaveOutcome

	sched.Async(func(ctx context.Context) error {
		results, err := gw.SaveTaskGroups(ctx, newGroups)
		outcomes = results
		return err
	}, func(err error) {
		s.pendingOp = false
		if err != nil {
			switch common.KindOf(err) {
			case common.EErrorKind.Transient():
				slot.retries++
				s.log.Log(hclog.Warn, "transient error saving task groups, will retry", "job_id", s.JobID, "retries", slot.retries, "error", err)
				if retryBudget > 0 && slot.retries >= retryBudget {
					s.failJob(fmt.Sprintf("exceeded retry budget (%d) saving task groups: %v", retryBudget, err))
				}
			default:
				s.assertf(false, "job %s: unexpected error kind %s from saveTaskGroups: %v", s.JobID, common.KindOf(err), err)
			}
			return
		}
		slot.retries = 0

		byID := make(map[common.TaskGroupID]mds.TaskGroupRecord, len(newGroups))
		for _, g := range newGroups {
			byID[g.TaskGroupID] = g
		}

		for _, o := range outcomes {
			if o.Err != nil {
				// A collision on a fresh UUID is impossible; any
				// Conflict here is a programmer bug.
				s.assertf(common.KindOf(o.Err) != common.EErrorKind.Conflict(),
					"job %s: impossible UUID collision saving task group %s: %v", s.JobID, o.TaskGroupID, o.Err)
				s.log.Log(hclog.Warn, "failed to save task group", "job_id", s.JobID, "task_group_id", o.TaskGroupID, "error", o.Err)
				continue
			}
			g := byID[o.TaskGroupID]
			slot := s.currentSlot()
			slot.Groups[g.TaskGroupID] = g
			for _, k := range g.InputKeys {
				delete(slot.UnassignedKeys, k)
			}
		}

		// Step 6: re-enter so the planner can either advance to
		// RUNNING (unassignedKeys now empty) or reconcile further.
		s.Tick(ctx, gw, "", sched)
	})
}
