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

// jobRestore lists every durable task-group record for this job, bins by
// phaseNum (discarding out-of-range and duplicate ids), and sets phaseIndex
// to the highest phase observed -- the presence of any record in phase k
// proves every phase < k completed in the past, so their in-memory
// structures are never reconstructed.
func (s *State) jobRestore(ctx context.Context, gw mds.Gateway, sched Scheduler) {
	s.pendingOp = true
	var listed []mds.TaskGroupRecord

	sched.Async(func(ctx context.Context) error {
		groups, err := gw.ListTaskGroups(ctx, s.JobID)
		listed = groups
		return err
	}, func(err error) {
		s.pendingOp = false
		if err != nil {
			switch common.KindOf(err) {
			case common.EErrorKind.Transient():
				s.log.Log(hclog.Warn, "transient error restoring job, will retry", "job_id", s.JobID, "error", err)
			case common.EErrorKind.NotFound():
				s.dropRequested = true
			default:
				s.assertf(false, "job %s: unexpected error kind %s from listTaskGroups: %v", s.JobID, common.KindOf(err), err)
			}
			return
		}

		s.binTaskGroups(listed)
		s.enter(EPhase.Planning())
		s.Tick(ctx, gw, "", sched)
	})
}

// binTaskGroups groups records by phaseNum, drops out-of-range phases and
// duplicate ids (logged, never job-fatal), and derives phaseIndex as the
// maximum phaseNum observed (or 0 if none).
func (s *State) binTaskGroups(groups []mds.TaskGroupRecord) {
	maxPhase := 0
	numPhases := len(s.Job.Phases)

	for _, g := range groups {
		if err := mds.ValidateTaskGroupRecord(g, numPhases); err != nil {
			s.log.Log(hclog.Warn, "discarding invalid task group record",
				"job_id", s.JobID, "task_group_id", g.TaskGroupID, "phase_num", g.PhaseNum, "error", err)
			continue
		}

		slot := s.slot(g.PhaseNum)
		if _, dup := slot.Groups[g.TaskGroupID]; dup {
			s.log.Log(hclog.Warn, "discarding duplicate task group id",
				"job_id", s.JobID, "task_group_id", g.TaskGroupID, "phase_num", g.PhaseNum)
			continue
		}
		slot.Groups[g.TaskGroupID] = g

		if g.PhaseNum > maxPhase {
			maxPhase = g.PhaseNum
		}
	}

	s.phaseIndex = maxPhase
}
