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

	"github.com/davepacheco/manta-marlin/mds"
)

// Done reports whether this job has reached the terminal DONE phase; the
// owner (supervisor.Supervisor) drops it from the table on the next tick
// after observing this.
func (s *State) Done() bool { return s.phase == EPhase.Done() }

// Tick is the sole state advancer. It short-circuits if pendingOp is
// set; otherwise it dispatches by phase. gw is the MDS Gateway, self is
// this supervisor's uuid, sched arranges the asynchronous Gateway call.
func (s *State) Tick(ctx context.Context, gw mds.Gateway, self string, sched Scheduler) {
	if s.pendingOp {
		return
	}

	// self is only ever non-empty on the call that originates at
	// supervisor.Supervisor (every top-level Tick call passes s.uuid);
	// internal recursive re-entries from assign/restore/planner/complete
	// pass "" since their own dispatch doesn't need it. Latch the real
	// value the first time it's seen so a later recursive re-entry can
	// still heartbeat correctly instead of self="" misreading as a
	// foreign worker and tripping a false LockLost.
	if self != "" {
		s.self = self
	}

	if s.dueForHeartbeat() {
		s.heartbeat(ctx, gw, s.self, sched)
		return
	}

	switch s.phase {
	case EPhase.Unassigned():
		s.jobAssign(ctx, gw, self, sched)
	case EPhase.Uninitialized():
		s.jobRestore(ctx, gw, sched)
	case EPhase.Planning():
		s.taskGroupAssign(ctx, gw, sched)
	case EPhase.Running():
		s.runningTick(ctx, gw, sched)
	default:
		s.assertf(false, "job %s: tick() dispatched from impossible phase %s", s.JobID, s.phase)
	}
}
