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
	"fmt"
	"sync"
	"time"

	"github.com/davepacheco/manta-marlin/common"
)

// MemoryGateway is an in-memory double so the core can be tested without a
// real MDS. It implements the exact same conditional-write and
// restartable-watch semantics as consulGateway, just over Go maps guarded
// by a mutex instead of Consul's KV store.
type MemoryGateway struct {
	mu sync.Mutex

	jobs       map[common.JobID]JobRecord
	groups     map[common.JobID]map[common.TaskGroupID]TaskGroupRecord
	locations  map[common.Key][]common.Host
	modifyIdx  uint64 // monotonically increasing, bumped on every write
	groupIndex map[common.JobID]map[common.TaskGroupID]uint64

	staleness time.Duration
	now       func() time.Time
}

// NewMemoryGateway constructs an empty in-memory double. staleness mirrors
// Config.StalenessThreshold; now defaults to time.Now but tests may
// override it to simulate a stalled owner.
func NewMemoryGateway(staleness time.Duration) *MemoryGateway {
	return &MemoryGateway{
		jobs:       make(map[common.JobID]JobRecord),
		groups:     make(map[common.JobID]map[common.TaskGroupID]TaskGroupRecord),
		locations:  make(map[common.Key][]common.Host),
		groupIndex: make(map[common.JobID]map[common.TaskGroupID]uint64),
		staleness:  staleness,
		now:        time.Now,
	}
}

// SeedJob inserts a job record directly, bypassing AssignJob, for test
// setup. Not part of the Gateway interface.
func (m *MemoryGateway) SeedJob(j JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j.Mtime.IsZero() {
		j.Mtime = m.now()
	}
	m.jobs[j.JobID] = j
}

// SeedLocation registers the hosts key resolves to, for test setup.
func (m *MemoryGateway) SeedLocation(key common.Key, hosts []common.Host) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[key] = hosts
}

// SetNow overrides the clock used for mtime staleness checks, for tests.
func (m *MemoryGateway) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryGateway) FindUnassignedJobs(ctx context.Context, emit func(JobRecord)) error {
	m.mu.Lock()
	var matches []JobRecord
	now := m.now()
	for _, j := range m.jobs {
		if j.State == EJobStatus.Done() {
			continue
		}
		if j.Worker == "" || now.Sub(j.Mtime) > m.staleness {
			matches = append(matches, j)
		}
	}
	m.mu.Unlock()

	for _, j := range matches {
		emit(j)
	}
	return nil
}

func (m *MemoryGateway) AssignJob(ctx context.Context, candidate JobRecord, expectedWorker string) (JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[candidate.JobID]
	if !ok {
		return JobRecord{}, common.ErrNotFound(fmt.Sprintf("job %s not found", candidate.JobID))
	}
	if stored.Worker != expectedWorker {
		return JobRecord{}, common.ErrConflict(fmt.Sprintf("job %s: worker is %q, expected %q", candidate.JobID, stored.Worker, expectedWorker))
	}

	next := candidate
	next.Mtime = m.now()
	m.jobs[candidate.JobID] = next
	return next, nil
}

func (m *MemoryGateway) Heartbeat(ctx context.Context, jobID common.JobID, self string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[jobID]
	if !ok {
		return common.ErrNotFound(fmt.Sprintf("job %s not found", jobID))
	}
	if stored.Worker != self {
		return common.ErrLockLost(fmt.Sprintf("job %s: worker is %q, not %q", jobID, stored.Worker, self))
	}
	stored.Mtime = m.now()
	m.jobs[jobID] = stored
	return nil
}

func (m *MemoryGateway) ListTaskGroups(ctx context.Context, jobID common.JobID) ([]TaskGroupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.groups[jobID]
	out := make([]TaskGroupRecord, 0, len(byID))
	for _, g := range byID {
		out = append(out, g)
	}
	return out, nil
}

func (m *MemoryGateway) SaveTaskGroups(ctx context.Context, groups []TaskGroupRecord) ([]SaveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outcomes := make([]SaveOutcome, 0, len(groups))
	for _, g := range groups {
		byID := m.groups[g.JobID]
		if byID == nil {
			byID = make(map[common.TaskGroupID]TaskGroupRecord)
			m.groups[g.JobID] = byID
		}
		if _, exists := byID[g.TaskGroupID]; exists {
			outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID, Err: common.ErrConflict(fmt.Sprintf("task group %s already exists", g.TaskGroupID))})
			continue
		}
		byID[g.TaskGroupID] = g

		m.modifyIdx++
		idx := m.groupIndex[g.JobID]
		if idx == nil {
			idx = make(map[common.TaskGroupID]uint64)
			m.groupIndex[g.JobID] = idx
		}
		idx[g.TaskGroupID] = m.modifyIdx

		outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID})
	}
	return outcomes, nil
}

// UpdateTaskGroup lets a test simulate the external agent reporting
// progress/results on a group the planner already created.
func (m *MemoryGateway) UpdateTaskGroup(g TaskGroupRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := m.groups[g.JobID]
	if byID == nil {
		byID = make(map[common.TaskGroupID]TaskGroupRecord)
		m.groups[g.JobID] = byID
	}
	byID[g.TaskGroupID] = g
	m.modifyIdx++
	idx := m.groupIndex[g.JobID]
	if idx == nil {
		idx = make(map[common.TaskGroupID]uint64)
		m.groupIndex[g.JobID] = idx
	}
	idx[g.TaskGroupID] = m.modifyIdx
}

func (m *MemoryGateway) WatchTaskGroups(ctx context.Context, jobID common.JobID, cursor WatchCursor) ([]TaskGroupRecord, WatchCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := m.groups[jobID]
	idx := m.groupIndex[jobID]
	var changed []TaskGroupRecord
	maxIdx := uint64(cursor)
	for id, g := range byID {
		if idx[id] > uint64(cursor) {
			changed = append(changed, g)
			if idx[id] > maxIdx {
				maxIdx = idx[id]
			}
		}
	}
	return changed, WatchCursor(maxIdx), nil
}

func (m *MemoryGateway) MantaLocate(ctx context.Context, keys []common.Key) (LocateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(LocateResult, len(keys))
	for _, k := range keys {
		if hosts, ok := m.locations[k]; ok {
			result[k] = hosts
		}
	}
	return result, nil
}
