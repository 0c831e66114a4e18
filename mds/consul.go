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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/pkg/errors"

	"github.com/davepacheco/manta-marlin/common"
)

// consulGateway backs Gateway with a real Consul cluster. Job and task-group
// records live as JSON blobs under <bucket>/<id> keys in Consul's KV store;
// AssignJob and Heartbeat use Consul's check-and-set (CAS) on ModifyIndex
// for their conditional writes, and WatchTaskGroups is a restartable Consul
// blocking query.
type consulGateway struct {
	client           *api.Client
	jobsBucket       string
	taskGroupsBucket string
	locationsPrefix  string
}

// NewConsulGateway constructs a Gateway backed by the given Consul client.
func NewConsulGateway(client *api.Client, jobsBucket, taskGroupsBucket, locationsPrefix string) Gateway {
	return &consulGateway{
		client:           client,
		jobsBucket:       strings.TrimSuffix(jobsBucket, "/"),
		taskGroupsBucket: strings.TrimSuffix(taskGroupsBucket, "/"),
		locationsPrefix:  strings.TrimSuffix(locationsPrefix, "/"),
	}
}

func (c *consulGateway) jobKey(id common.JobID) string {
	return fmt.Sprintf("%s/%s", c.jobsBucket, id)
}

func (c *consulGateway) groupKey(jobID common.JobID, groupID common.TaskGroupID) string {
	return fmt.Sprintf("%s/%s/%s", c.taskGroupsBucket, jobID, groupID)
}

func (c *consulGateway) groupPrefix(jobID common.JobID) string {
	return fmt.Sprintf("%s/%s/", c.taskGroupsBucket, jobID)
}

func classifyConsulErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return common.ErrTransient(fmt.Sprintf("consul %s", op), err)
}

func (c *consulGateway) FindUnassignedJobs(ctx context.Context, emit func(JobRecord)) error {
	pairs, _, err := c.client.KV().List(c.jobsBucket+"/", (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return classifyConsulErr("KV.List jobs", err)
	}

	now := time.Now()
	for _, pair := range pairs {
		var j JobRecord
		if unmarshalErr := json.Unmarshal(pair.Value, &j); unmarshalErr != nil {
			// Validation error: skip the record, never abort the scan.
			// Skipped records are not logged.
			continue
		}
		if err := validateJobRecord(j); err != nil {
			continue
		}
		j.modifyIndex = pair.ModifyIndex
		if j.State == EJobStatus.Done() {
			continue
		}
		if j.Worker == "" || now.Sub(j.Mtime) > staleThresholdFromContext(ctx) {
			emit(j)
		}
	}
	return nil
}

// staleThresholdDefault is used when the caller's context carries no
// override; production callers always set one via WithStaleThreshold.
const staleThresholdDefault = 30 * time.Second

type staleThresholdKey struct{}

// WithStaleThreshold attaches the configured staleness threshold to ctx so
// FindUnassignedJobs can apply it without the Gateway interface needing an
// extra parameter every caller must thread through.
func WithStaleThreshold(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, staleThresholdKey{}, d)
}

func staleThresholdFromContext(ctx context.Context) time.Duration {
	if d, ok := ctx.Value(staleThresholdKey{}).(time.Duration); ok {
		return d
	}
	return staleThresholdDefault
}

func (c *consulGateway) AssignJob(ctx context.Context, candidate JobRecord, expectedWorker string) (JobRecord, error) {
	kv := c.client.KV()
	key := c.jobKey(candidate.JobID)

	pair, _, err := kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return JobRecord{}, classifyConsulErr("KV.Get job", err)
	}
	if pair == nil {
		return JobRecord{}, common.ErrNotFound(fmt.Sprintf("job %s not found", candidate.JobID))
	}

	var stored JobRecord
	if err := json.Unmarshal(pair.Value, &stored); err != nil {
		return JobRecord{}, common.ErrValidation(fmt.Sprintf("job %s: corrupt record: %v", candidate.JobID, err))
	}
	if stored.Worker != expectedWorker {
		return JobRecord{}, common.ErrConflict(fmt.Sprintf("job %s: worker is %q, expected %q", candidate.JobID, stored.Worker, expectedWorker))
	}

	next := candidate
	next.Mtime = time.Now()
	buf, err := json.Marshal(next)
	if err != nil {
		return JobRecord{}, errors.Wrap(err, "marshal job record")
	}

	ok, _, err := kv.CAS(&api.KVPair{Key: key, Value: buf, ModifyIndex: pair.ModifyIndex}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return JobRecord{}, classifyConsulErr("KV.CAS job", err)
	}
	if !ok {
		return JobRecord{}, common.ErrConflict(fmt.Sprintf("job %s: lost the CAS race on assign", candidate.JobID))
	}
	return next, nil
}

func (c *consulGateway) Heartbeat(ctx context.Context, jobID common.JobID, self string) error {
	kv := c.client.KV()
	key := c.jobKey(jobID)

	pair, _, err := kv.Get(key, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return classifyConsulErr("KV.Get job", err)
	}
	if pair == nil {
		return common.ErrNotFound(fmt.Sprintf("job %s not found", jobID))
	}

	var stored JobRecord
	if err := json.Unmarshal(pair.Value, &stored); err != nil {
		return common.ErrValidation(fmt.Sprintf("job %s: corrupt record: %v", jobID, err))
	}
	if stored.Worker != self {
		return common.ErrLockLost(fmt.Sprintf("job %s: worker is %q, not %q", jobID, stored.Worker, self))
	}

	stored.Mtime = time.Now()
	buf, err := json.Marshal(stored)
	if err != nil {
		return errors.Wrap(err, "marshal job record")
	}
	ok, _, err := kv.CAS(&api.KVPair{Key: key, Value: buf, ModifyIndex: pair.ModifyIndex}, (&api.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return classifyConsulErr("KV.CAS heartbeat", err)
	}
	if !ok {
		return common.ErrLockLost(fmt.Sprintf("job %s: lost the CAS race on heartbeat", jobID))
	}
	return nil
}

func (c *consulGateway) ListTaskGroups(ctx context.Context, jobID common.JobID) ([]TaskGroupRecord, error) {
	pairs, _, err := c.client.KV().List(c.groupPrefix(jobID), (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, classifyConsulErr("KV.List task groups", err)
	}

	out := make([]TaskGroupRecord, 0, len(pairs))
	for _, pair := range pairs {
		var g TaskGroupRecord
		if err := json.Unmarshal(pair.Value, &g); err != nil {
			continue // Validation: skipped without logging.
		}
		g.modifyIndex = pair.ModifyIndex
		out = append(out, g)
	}
	return out, nil
}

func (c *consulGateway) SaveTaskGroups(ctx context.Context, groups []TaskGroupRecord) ([]SaveOutcome, error) {
	kv := c.client.KV()
	outcomes := make([]SaveOutcome, 0, len(groups))

	for _, g := range groups {
		key := c.groupKey(g.JobID, g.TaskGroupID)
		buf, err := json.Marshal(g)
		if err != nil {
			outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID, Err: errors.Wrap(err, "marshal task group")})
			continue
		}

		// ModifyIndex 0 in a CAS write means "create only if absent", so
		// a create fails with Conflict if the id already exists.
		ok, _, err := kv.CAS(&api.KVPair{Key: key, Value: buf, ModifyIndex: 0}, (&api.WriteOptions{}).WithContext(ctx))
		if err != nil {
			outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID, Err: classifyConsulErr("KV.CAS task group", err)})
			continue
		}
		if !ok {
			outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID, Err: common.ErrConflict(fmt.Sprintf("task group %s already exists", g.TaskGroupID))})
			continue
		}
		outcomes = append(outcomes, SaveOutcome{TaskGroupID: g.TaskGroupID})
	}
	return outcomes, nil
}

func (c *consulGateway) WatchTaskGroups(ctx context.Context, jobID common.JobID, cursor WatchCursor) ([]TaskGroupRecord, WatchCursor, error) {
	opts := (&api.QueryOptions{WaitIndex: uint64(cursor), WaitTime: 5 * time.Second}).WithContext(ctx)
	pairs, meta, err := c.client.KV().List(c.groupPrefix(jobID), opts)
	if err != nil {
		return nil, cursor, classifyConsulErr("KV.List (blocking) task groups", err)
	}

	out := make([]TaskGroupRecord, 0, len(pairs))
	for _, pair := range pairs {
		if pair.ModifyIndex <= uint64(cursor) {
			continue
		}
		var g TaskGroupRecord
		if err := json.Unmarshal(pair.Value, &g); err != nil {
			continue
		}
		g.modifyIndex = pair.ModifyIndex
		out = append(out, g)
	}
	return out, WatchCursor(meta.LastIndex), nil
}

func (c *consulGateway) MantaLocate(ctx context.Context, keys []common.Key) (LocateResult, error) {
	result := make(LocateResult, len(keys))
	kv := c.client.KV()
	for _, k := range keys {
		pair, _, err := kv.Get(fmt.Sprintf("%s/%s", c.locationsPrefix, k), (&api.QueryOptions{}).WithContext(ctx))
		if err != nil {
			return nil, classifyConsulErr("KV.Get location", err)
		}
		if pair == nil {
			continue // unlocatable; simply absent from the result, not an error.
		}
		var hosts []common.Host
		if err := json.Unmarshal(pair.Value, &hosts); err != nil {
			continue
		}
		result[k] = hosts
	}
	return result, nil
}
