// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/codepr/ci-core/internal/store"
)

// WorkerStore is the subset of store.Store the worker-facing API needs.
type WorkerStore interface {
	RegisterHost(h *store.Host) (int64, error)
	ClaimPendingRun(hostID int64) (*store.Run, error)
	FinishRun(runID int64, token string, result store.BuildResult, finalText string) error
	RecordMetric(runID int64, token, name, value string) error
	CreateArtifact(runID int64, token, name, desc string) (int64, error)
	CompleteArtifact(artifactID int64, token string) error
}

// workerAPI implements the endpoints workers use to claim and report on
// runs, described in full under the worker-facing surface. onFinished, if
// set, fires after a successful finish_run so terminal status can be
// pushed upstream; it must not block on network I/O.
type workerAPI struct {
	store      WorkerStore
	onFinished func(runID int64)
}

type registerHostRequest struct {
	Hostname      string `json:"hostname"`
	CPUVendorID   string `json:"cpu_vendor_id"`
	CPUModelName  string `json:"cpu_model_name"`
	CPUFamily     string `json:"cpu_family"`
	CPUModel      string `json:"cpu_model"`
	CPUMicrocode  string `json:"cpu_microcode"`
	CPUMaxFreqKHz int64  `json:"cpu_max_freq_khz"`
	CPUCores      int64  `json:"cpu_cores"`
	MemTotal      string `json:"mem_total"`
	Arch          string `json:"arch"`
	Family        string `json:"family"`
	OS            string `json:"os"`
}

func (a *workerAPI) handleRegisterHost(w http.ResponseWriter, r *http.Request) {
	var req registerHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := a.store.RegisterHost(&store.Host{
		Hostname: req.Hostname, CPUVendorID: req.CPUVendorID, CPUModelName: req.CPUModelName,
		CPUFamily: req.CPUFamily, CPUModel: req.CPUModel, CPUMicrocode: req.CPUMicrocode,
		CPUMaxFreqKHz: req.CPUMaxFreqKHz, CPUCores: req.CPUCores, MemTotal: req.MemTotal,
		Arch: req.Arch, Family: req.Family, OS: req.OS,
	})
	if err != nil {
		http.Error(w, "failed to register host", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"host_id": id})
}

type claimRunRequest struct {
	HostID int64 `json:"host_id"`
}

func (a *workerAPI) handleClaimRun(w http.ResponseWriter, r *http.Request) {
	var req claimRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	run, err := a.store.ClaimPendingRun(req.HostID)
	if err != nil {
		if errors.Is(err, store.ErrNoRunnersAvailable) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, "failed to claim run", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type finishRunRequest struct {
	BuildToken string `json:"build_token"`
	Result     string `json:"result"`
	FinalText  string `json:"final_text"`
}

func (a *workerAPI) handleFinishRun(w http.ResponseWriter, r *http.Request, runID int64) {
	var req finishRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	result := store.ResultPass
	if req.Result == "fail" {
		result = store.ResultFail
	}
	err := a.store.FinishRun(runID, req.BuildToken, result, req.FinalText)
	if err == nil && a.onFinished != nil {
		a.onFinished(runID)
	}
	writeStoreErr(w, err)
}

type recordMetricRequest struct {
	BuildToken string `json:"build_token"`
	Name       string `json:"name"`
	Value      string `json:"value"`
}

func (a *workerAPI) handleRecordMetric(w http.ResponseWriter, r *http.Request, runID int64) {
	var req recordMetricRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := a.store.RecordMetric(runID, req.BuildToken, req.Name, req.Value)
	writeStoreErr(w, err)
}

type createArtifactRequest struct {
	BuildToken string `json:"build_token"`
	Name       string `json:"name"`
	Desc       string `json:"desc"`
}

func (a *workerAPI) handleCreateArtifact(w http.ResponseWriter, r *http.Request, runID int64) {
	var req createArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := a.store.CreateArtifact(runID, req.BuildToken, req.Name, req.Desc)
	if err != nil {
		writeStoreErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"artifact_id": id})
}

type completeArtifactRequest struct {
	BuildToken string `json:"build_token"`
}

func (a *workerAPI) handleCompleteArtifact(w http.ResponseWriter, r *http.Request, artifactID int64) {
	var req completeArtifactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	err := a.store.CompleteArtifact(artifactID, req.BuildToken)
	writeStoreErr(w, err)
}

// writeStoreErr maps the store's sentinel errors onto the HTTP status
// codes the worker-facing surface promises: ErrTokenInvalid -> 401,
// ErrStateInvalid -> 409, ErrNotFound -> 404, anything else -> 500.
func writeStoreErr(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, store.ErrTokenInvalid):
		http.Error(w, err.Error(), http.StatusUnauthorized)
	case errors.Is(err, store.ErrStateInvalid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// runsRouter serves everything under /worker/runs/{id}/{action}. Go
// 1.21's ServeMux has no path-parameter support, so a single prefix
// handler does its own splitting and dispatches on the action segment.
func (a *workerAPI) runsRouter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/worker/runs/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			http.Error(w, "expected /worker/runs/{id}/{action}", http.StatusBadRequest)
			return
		}
		runID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "invalid run id", http.StatusBadRequest)
			return
		}
		switch parts[1] {
		case "finish":
			a.handleFinishRun(w, r, runID)
		case "metrics":
			a.handleRecordMetric(w, r, runID)
		case "artifacts":
			a.handleCreateArtifact(w, r, runID)
		default:
			http.NotFound(w, r)
		}
	}
}

// artifactsRouter serves /worker/artifacts/{id}/complete.
func (a *workerAPI) artifactsRouter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/worker/artifacts/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] != "complete" {
			http.Error(w, "expected /worker/artifacts/{id}/complete", http.StatusBadRequest)
			return
		}
		artifactID, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			http.Error(w, "invalid artifact id", http.StatusBadRequest)
			return
		}
		a.handleCompleteArtifact(w, r, artifactID)
	}
}
