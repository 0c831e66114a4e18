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

// Package introspection is a flat, read-only HTTP surface over the
// supervisor's in-memory state, keyed by object kind (worker, jobs). It
// exists for operator diagnostics and end-to-end tests; it is never
// consulted by the core itself.
package introspection

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/davepacheco/manta-marlin/common"
	"github.com/davepacheco/manta-marlin/supervisor"
)

// SupervisorView is the slice of Supervisor this package depends on, so it
// can be exercised against a fake in tests instead of a live control loop.
type SupervisorView interface {
	Snapshot() []supervisor.Snapshot
	SnapshotOne(id common.JobID) (supervisor.Snapshot, bool)
	WorkerSnapshot() supervisor.WorkerSnapshot
}

// NewRouter builds the introspection HTTP surface. The supervisor handle is
// passed explicitly rather than reached through a package-level singleton.
func NewRouter(sup SupervisorView) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/worker", handleWorker(sup)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs", handleJobs(sup)).Methods(http.MethodGet)
	r.HandleFunc("/v1/jobs/{jobId}", handleJob(sup)).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func handleWorker(sup SupervisorView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sup.WorkerSnapshot())
	}
}

func handleJobs(sup SupervisorView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sup.Snapshot())
	}
}

func handleJob(sup SupervisorView) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := common.ParseJobID(mux.Vars(r)["jobId"])
		if err != nil {
			http.Error(w, "missing jobId", http.StatusBadRequest)
			return
		}
		snap, ok := sup.SnapshotOne(id)
		if !ok {
			http.Error(w, "job not tracked by this supervisor", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}
