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
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/mds"
)

// jobAssign produces a candidate record with worker set to self, attempts
// the conditional write, and transitions UNASSIGNED ->
// UNINITIALIZED on success. Failure modes that mean this job is no longer
// ours to track set dropRequested; supervisor.Supervisor checks
// DropRequested after every Tick and removes the job from its table.
func (s *State) jobAssign(ctx context.Context, gw mds.Gateway, self string, sched Scheduler) {
	candidate := s.Job.WithWorker(self)
	expected := s.priorWorker

	s.pendingOp = true
	sched.Async(func(ctx context.Context) error {
		stored, err := gw.AssignJob(ctx, candidate, expected)
		if err == nil {
			s.assignResult = &stored
		}
		return err
	}, func(err error) {
		s.pendingOp = false
		if err == nil {
			s.Job = *s.assignResult
			s.assignResult = nil
			s.lastHeartbeat = time.Now()
			s.log.Log(hclog.Info, "assigned job", "job_id", s.JobID)
			s.enter(EPhase.Uninitialized())
			s.Tick(ctx, gw, self, sched)
			return
		}

		switch common.KindOf(err) {
		case common.EErrorKind.Conflict():
			// Another supervisor won the race; drop silently.
			s.log.Log(hclog.Debug, "lost assignment race", "job_id", s.JobID)
			s.dropRequested = true
			if s.onAssignConflict != nil {
				s.onAssignConflict()
			}
		case common.EErrorKind.Transient():
			s.log.Log(hclog.Warn, "transient error assigning job, will retry", "job_id", s.JobID, "error", err)
		case common.EErrorKind.NotFound():
			// The job record disappeared out from under us; nothing
			// to own anymore.
			s.dropRequested = true
		case common.EErrorKind.Validation():
			// The stored record is malformed; skip it rather than crash.
			s.log.Log(hclog.Warn, "invalid job record on assign, dropping job", "job_id", s.JobID, "error", err)
			s.dropRequested = true
		default:
			s.assertf(false, "job %s: unexpected error kind %s from assignJob: %v", s.JobID, common.KindOf(err), err)
		}
	})
}
