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

	"github.com/hashicorp/go-hclog"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/mds"
)

// runningTick is the RUNNING dispatch: initiate or refresh
// watchTaskGroups, merge whatever it returns into the current phase's
// slot, then evaluate phase completion.
func (s *State) runningTick(ctx context.Context, gw mds.Gateway, sched Scheduler) {
	slot := s.currentSlot()

	s.pendingOp = true
	var changed []mds.TaskGroupRecord
	var nextCursor mds.WatchCursor

	sched.Async(func(ctx context.Context) error {
		groups, cursor, err := gw.WatchTaskGroups(ctx, s.JobID, slot.watchCursor)
		changed = groups
		nextCursor = cursor
		return err
	}, func(err error) {
		s.pendingOp = false
		if err != nil {
			switch common.KindOf(err) {
			case common.EErrorKind.Transient():
				s.log.Log(hclog.Warn, "transient error watching task groups, will retry", "job_id", s.JobID, "error", err)
			default:
				s.assertf(false, "job %s: unexpected error kind %s from watchTaskGroups: %v", s.JobID, common.KindOf(err), err)
			}
			return
		}

		slot := s.currentSlot()
		slot.watchCursor = nextCursor
		for _, g := range changed {
			if g.PhaseNum != s.phaseIndex {
				continue
			}
			if _, known := slot.Groups[g.TaskGroupID]; known {
				slot.Groups[g.TaskGroupID] = g
			}
		}

		s.evaluatePhaseCompletion(ctx, gw, sched)
	})
}

// evaluatePhaseCompletion: phase k is complete when every task group in
// groups[k] is done and every result entry is ok or a terminal failure. On
// completion, either advance phaseIndex and return to PLANNING, or -- on
// the final phase -- transition to DONE. A fail result that the external
// agent's retry policy has exhausted is surfaced here as a job-level fatal
// outcome, also ending in DONE.
func (s *State) evaluatePhaseCompletion(ctx context.Context, gw mds.Gateway, sched Scheduler) {
	slot := s.currentSlot()

	if len(slot.Groups) == 0 {
		return
	}

	anyJobFatal := false
	for _, g := range slot.Groups {
		if g.State != mds.ETaskGroupState.Done() {
			return
		}
		// A reported failure is terminal for the key. The in-memory slot
		// has no agent-side retry counter to consult, so any failed
		// result observed here has already exhausted the agent's own
		// retry budget by the time it reaches state=done.
		if g.AnyFailed() {
			anyJobFatal = true
		}
	}

	if anyJobFatal {
		s.failJob("phase reported one or more failed results")
		return
	}

	if s.phaseIndex+1 < len(s.Job.Phases) {
		s.phaseIndex++
		s.enter(EPhase.Planning())
		s.Tick(ctx, gw, "", sched)
		return
	}

	s.Job.State = mds.EJobStatus.Done()
	s.Job.Results = mds.JobResultStatus{Ok: true}
	s.log.Log(hclog.Info, "job done", "job_id", s.JobID)
	s.enter(EPhase.Done())
}
