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
	"fmt"

	"github.com/davepacheco/manta-marlin/common"
)

// validateJobRecord rejects a record read from the MDS that can never be
// acted on safely. Validation happens here, at the gateway boundary, so
// nothing downstream has to defend against malformed records.
func validateJobRecord(j JobRecord) error {
	if j.JobID.IsEmpty() {
		return common.ErrValidation("job record missing jobId")
	}
	if len(j.Phases) == 0 {
		return common.ErrValidation(fmt.Sprintf("job %s has no phases", j.JobID))
	}
	return nil
}

// ValidateTaskGroupRecord checks that phaseNum is in range for the job and
// that the record has the required shape; duplicate ids within a phase are
// checked by the caller, which sees every record for the job at once.
// Exported so job.jobRestore, the one caller that actually knows the job's
// phase count, can reuse it instead of re-deriving the same checks.
func ValidateTaskGroupRecord(g TaskGroupRecord, numPhases int) error {
	if g.TaskGroupID == "" {
		return common.ErrValidation(fmt.Sprintf("job %s: task group missing taskGroupId", g.JobID))
	}
	if g.PhaseNum < 0 || g.PhaseNum >= numPhases {
		return common.ErrValidation(fmt.Sprintf("job %s: task group %s has out-of-range phaseNum %d (numPhases=%d)",
			g.JobID, g.TaskGroupID, g.PhaseNum, numPhases))
	}
	if len(g.InputKeys) == 0 {
		return common.ErrValidation(fmt.Sprintf("job %s: task group %s has no inputKeys", g.JobID, g.TaskGroupID))
	}
	return nil
}
