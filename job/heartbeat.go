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

// heartbeatInterval bounds how long a job's mtime may go unrefreshed while
// owned. Zero disables the heartbeat path entirely (the default, and the
// value job.State-level tests run with unless they set their own), since
// findUnassignedJobs'
// staleness check is itself driven by Config.StalenessThreshold, which only
// supervisor.New knows about. Without a periodic refresh a long-running job
// would eventually cross that threshold and be reported to every other
// supervisor as abandoned even though its owner is alive and ticking --
// the heartbeat exists precisely to prevent that.
var heartbeatInterval time.Duration

// SetHeartbeatInterval overrides the default (disabled) heartbeat cadence.
// Called from supervisor.New with a third of Config.StalenessThreshold, so
// mtime never comes close to going stale.
func SetHeartbeatInterval(d time.Duration) { heartbeatInterval = d }

// dueForHeartbeat reports whether this job is owned (past UNASSIGNED, short
// of DONE) and its last heartbeat (or assignment) is old enough to refresh.
func (s *State) dueForHeartbeat() bool {
	if heartbeatInterval <= 0 {
		return false
	}
	if s.phase == EPhase.Unassigned() || s.phase == EPhase.Done() {
		return false
	}
	return time.Since(s.lastHeartbeat) >= heartbeatInterval
}

// heartbeat refreshes mtime on a job this supervisor owns, consuming this
// tick's single suspension point. A LockLost result means another
// supervisor's conditional write has already displaced this one as worker;
// drop immediately. A Transient result just waits for the next tick, same
// as every other Gateway call's retry policy.
func (s *State) heartbeat(ctx context.Context, gw mds.Gateway, self string, sched Scheduler) {
	s.pendingOp = true
	sched.Async(func(ctx context.Context) error {
		return gw.Heartbeat(ctx, s.JobID, self)
	}, func(err error) {
		s.pendingOp = false
		if err == nil {
			s.lastHeartbeat = time.Now()
			return
		}
		switch common.KindOf(err) {
		case common.EErrorKind.LockLost():
			s.log.Log(hclog.Warn, "lock lost on heartbeat, dropping job", "job_id", s.JobID, "error", err)
			s.dropRequested = true
		case common.EErrorKind.Transient():
			s.log.Log(hclog.Warn, "transient error on heartbeat, will retry", "job_id", s.JobID, "error", err)
		case common.EErrorKind.NotFound():
			s.dropRequested = true
		case common.EErrorKind.Validation():
			// The stored record is malformed; skip it rather than crash.
			s.log.Log(hclog.Warn, "invalid job record on heartbeat, dropping job", "job_id", s.JobID, "error", err)
			s.dropRequested = true
		default:
			s.assertf(false, "job %s: unexpected error kind %s from heartbeat: %v", s.JobID, common.KindOf(err), err)
		}
	})
}
