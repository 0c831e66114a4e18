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

package common

import (
	"github.com/google/uuid"
)

// JobID uniquely identifies a job record in the MDS. It is opaque to the
// supervisor beyond being a stable comparison key.
type JobID string

// NewJobID mints a fresh, globally-unique job identifier.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// ParseJobID validates that s looks like a JobID we would have minted and
// returns it typed. Jobs are created externally (by the front end, out of
// core scope) so we don't reject arbitrary non-UUID strings here -- only
// emptiness, which can never be a valid key in the MDS.
func ParseJobID(s string) (JobID, error) {
	if s == "" {
		return "", ErrValidation("job id is empty")
	}
	return JobID(s), nil
}

func (j JobID) String() string { return string(j) }

// IsEmpty reports whether j is the zero value.
func (j JobID) IsEmpty() bool { return j == "" }

// TaskGroupID uniquely identifies a task-group record. The supervisor
// mints these as UUIDs when creating new groups during planning;
// uniqueness of the UUID is what lets SaveTaskGroups treat a collision
// with an existing id as impossible rather than something the planner
// needs to guard against.
type TaskGroupID string

// NewTaskGroupID mints a fresh task-group identifier.
func NewTaskGroupID() TaskGroupID {
	return TaskGroupID(uuid.New().String())
}

func (t TaskGroupID) String() string { return string(t) }

// Key is an object key in the underlying object store (Manta). It flows
// from job inputKeys, through task-group inputKeys, to phase result outputs.
type Key = string

// Host identifies a compute node a task group can be dispatched to.
type Host = string
