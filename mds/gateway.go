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

package mds

import (
	"context"

	"github.com/davepacheco/manta-marlin/common"
)

// WatchCursor opaquely tracks a watchTaskGroups stream's position (a Consul
// KV ModifyIndex, for the consulGateway). The zero value means "no prior
// watch": the first call returns the current state of the world without
// blocking.
type WatchCursor uint64

// SaveOutcome is the per-record result of a bulk SaveTaskGroups call: a
// given record either landed or didn't, and the bulk call as a whole can
// partially succeed.
type SaveOutcome struct {
	TaskGroupID common.TaskGroupID
	Err         error
}

// Gateway is the single typed facade over the metadata store: every durable
// interaction the core needs goes through here, so job and supervisor can
// be tested against MemoryGateway instead of a real cluster.
//
// Every method classifies its error with one of common.EErrorKind's
// enumerators; callers dispatch on common.KindOf(err), never on the
// concrete type or message.
type Gateway interface {
	// FindUnassignedJobs scans for job records with no worker, or whose
	// mtime is older than the configured staleness threshold. emit is
	// called once per match; FindUnassignedJobs itself may return before
	// every emit call lands. Idempotent; may over-report.
	FindUnassignedJobs(ctx context.Context, emit func(JobRecord)) error

	// AssignJob attempts the conditional write: succeeds only if the
	// stored record's worker equals expectedWorker (empty, or the prior
	// owner observed during discovery). On success it returns the stored
	// record as persisted (worker set, mtime refreshed). Fails with a
	// Conflict-kind error if another supervisor won the race.
	AssignJob(ctx context.Context, candidate JobRecord, expectedWorker string) (JobRecord, error)

	// Heartbeat refreshes mtime on a job this supervisor owns. Fails with
	// a LockLost-kind error if worker no longer matches self.
	Heartbeat(ctx context.Context, jobID common.JobID, self string) error

	// ListTaskGroups returns every task-group record for jobID. Safe to
	// call repeatedly; may include records later superseded.
	ListTaskGroups(ctx context.Context, jobID common.JobID) ([]TaskGroupRecord, error)

	// SaveTaskGroups writes new task-group records. A create must fail
	// (Conflict-kind, for that record only) if the taskGroupId already
	// exists. The overall call only returns a non-nil error for a
	// transport-level failure that prevented any record from being
	// attempted; per-record outcomes are always returned.
	SaveTaskGroups(ctx context.Context, groups []TaskGroupRecord) ([]SaveOutcome, error)

	// WatchTaskGroups returns task-group records for jobID that changed
	// since cursor, plus a cursor to pass on the next call. Called once
	// per tick while the job is RUNNING; restartable (cursor may be
	// stale or zero after a supervisor restart, in which case the full
	// current state is returned).
	WatchTaskGroups(ctx context.Context, jobID common.JobID, cursor WatchCursor) ([]TaskGroupRecord, WatchCursor, error)

	// MantaLocate resolves each key to an ordered list of hosts (most
	// preferred first). Keys this call can't place are simply absent
	// from the result, not an error entry.
	MantaLocate(ctx context.Context, keys []common.Key) (LocateResult, error)
}
