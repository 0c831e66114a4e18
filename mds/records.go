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

// Package mds abstracts every durable interaction with the metadata store
// (MDS) behind a single typed Gateway facade. Two implementations are
// provided: consulGateway, which backs the facade with a real Consul
// cluster, and MemoryGateway, the in-memory double the core is tested
// against.
package mds

import (
	"reflect"
	"time"

	"github.com/JeffreyRichter/enum/enum"

	"github.com/davepacheco/manta-marlin/common"
)

// EJobStatus is the zero value of JobStatus; its methods are the enumerators.
var EJobStatus = JobStatus(0)

// JobStatus is the coarse, durable status recorded on the job record itself
// (distinct from the richer in-memory job.State machine).
type JobStatus uint8

func (JobStatus) Unassigned() JobStatus { return JobStatus(0) }
func (JobStatus) Running() JobStatus    { return JobStatus(1) }
func (JobStatus) Done() JobStatus       { return JobStatus(2) }

func (s JobStatus) String() string { return enum.StringInt(s, reflect.TypeOf(s)) }

// JobResultStatus records why a Done job finished: cleanly, or with a
// job-fatal outcome that should be visible to operators.
type JobResultStatus struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// JobRecord is the durable, one-per-job record. Field names are part of the
// MDS wire contract and must not change independently of the schema.
type JobRecord struct {
	JobID common.JobID `json:"jobId"`
	// Phases are user-opaque phase descriptors; the supervisor never
	// interprets their contents, only their count and position.
	Phases    []PhaseDescriptor `json:"phases"`
	InputKeys []common.Key      `json:"inputKeys"`
	// Worker is the supervisor uuid that currently owns this job. Absent
	// (empty string) means unassigned.
	Worker  string          `json:"worker,omitempty"`
	Mtime   time.Time       `json:"mtime"`
	State   JobStatus       `json:"state"`
	Results JobResultStatus `json:"results,omitempty"`

	// modifyIndex is populated by the Consul-backed Gateway on read and
	// consumed on CAS write; it is not part of the wire schema and is
	// zero-valued for records that didn't come from Consul (e.g. the
	// in-memory double, or a freshly-constructed candidate record).
	modifyIndex uint64
}

// PhaseDescriptor is an opaque, user-supplied phase definition. The core
// never looks inside it; it only copies it onto task-group records so
// agents can execute without needing the job record.
type PhaseDescriptor map[string]interface{}

// Copy returns a record deep enough that a candidate built from it shares
// no mutable state with the stored value.
func (j JobRecord) Copy() JobRecord {
	cp := j
	cp.Phases = append([]PhaseDescriptor(nil), j.Phases...)
	cp.InputKeys = append([]common.Key(nil), j.InputKeys...)
	return cp
}

// WithWorker returns a copy of j with Worker set to worker.
func (j JobRecord) WithWorker(worker string) JobRecord {
	cp := j.Copy()
	cp.Worker = worker
	return cp
}

// ETaskGroupState is the zero value of TaskGroupState.
var ETaskGroupState = TaskGroupState(0)

// TaskGroupState is the durable lifecycle state of a task-group record,
// maintained by the external agent (dispatched/running/done).
type TaskGroupState uint8

func (TaskGroupState) Dispatched() TaskGroupState { return TaskGroupState(0) }
func (TaskGroupState) Running() TaskGroupState    { return TaskGroupState(1) }
func (TaskGroupState) Done() TaskGroupState       { return TaskGroupState(2) }

func (s TaskGroupState) String() string { return enum.StringInt(s, reflect.TypeOf(s)) }

// EResultOutcome is the zero value of ResultOutcome.
var EResultOutcome = ResultOutcome(0)

// ResultOutcome is the per-key outcome an agent reports for a transfer
// within a task group.
type ResultOutcome uint8

func (ResultOutcome) Ok() ResultOutcome   { return ResultOutcome(0) }
func (ResultOutcome) Fail() ResultOutcome { return ResultOutcome(1) }

func (o ResultOutcome) String() string { return enum.StringInt(o, reflect.TypeOf(o)) }

// TaskResult is one entry of a task group's results sequence.
type TaskResult struct {
	Key     common.Key    `json:"key"`
	Result  ResultOutcome `json:"result"`
	Outputs []common.Key  `json:"outputs,omitempty"`
}

// TaskGroupRecord is the durable record binding a set of keys to one
// compute host for execution within one phase.
type TaskGroupRecord struct {
	JobID       common.JobID      `json:"jobId"`
	TaskGroupID common.TaskGroupID `json:"taskGroupId"`
	PhaseNum    int               `json:"phaseNum"`
	Host        common.Host       `json:"host"`
	InputKeys   []common.Key      `json:"inputKeys"`
	Phase       PhaseDescriptor   `json:"phase"`
	State       TaskGroupState    `json:"state"`
	Results     []TaskResult      `json:"results"`

	modifyIndex uint64
}

// AnyFailed reports whether the group recorded a terminal failure.
func (g TaskGroupRecord) AnyFailed() bool {
	for _, r := range g.Results {
		if r.Result == EResultOutcome.Fail() {
			return true
		}
	}
	return false
}

// LocateResult is the transient response from mantaLocate: each requested
// key maps to an ordered list of hosts (first preferred); an empty list
// means the key is unlocatable.
type LocateResult map[common.Key][]common.Host
