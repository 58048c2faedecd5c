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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/codepr/ci-core/internal/store"
)

type fakeWorkerStore struct {
	hosts      []*store.Host
	run        *store.Run
	claimErr   error
	finishErr  error
	finished   []int64
	metricErr  error
	artifactID int64
}

func (f *fakeWorkerStore) RegisterHost(h *store.Host) (int64, error) {
	f.hosts = append(f.hosts, h)
	return int64(len(f.hosts)), nil
}

func (f *fakeWorkerStore) ClaimPendingRun(hostID int64) (*store.Run, error) {
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return f.run, nil
}

func (f *fakeWorkerStore) FinishRun(runID int64, token string, result store.BuildResult, finalText string) error {
	if f.finishErr != nil {
		return f.finishErr
	}
	f.finished = append(f.finished, runID)
	return nil
}

func (f *fakeWorkerStore) RecordMetric(runID int64, token, name, value string) error {
	return f.metricErr
}

func (f *fakeWorkerStore) CreateArtifact(runID int64, token, name, desc string) (int64, error) {
	return f.artifactID, nil
}

func (f *fakeWorkerStore) CompleteArtifact(artifactID int64, token string) error {
	return nil
}

func TestClaimRunNoPendingReturns204(t *testing.T) {
	api := &workerAPI{store: &fakeWorkerStore{claimErr: store.ErrNoRunnersAvailable}}

	req := httptest.NewRequest(http.MethodPost, "/worker/runs/claim", strings.NewReader(`{"host_id":1}`))
	rec := httptest.NewRecorder()
	api.handleClaimRun(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 when nothing is pending, got %d", rec.Code)
	}
}

func TestClaimRunReturnsRun(t *testing.T) {
	token := "tok"
	fs := &fakeWorkerStore{run: &store.Run{ID: 9, JobID: 3, State: store.RunStarted, BuildToken: &token}}
	api := &workerAPI{store: fs}

	req := httptest.NewRequest(http.MethodPost, "/worker/runs/claim", strings.NewReader(`{"host_id":1}`))
	rec := httptest.NewRecorder()
	api.handleClaimRun(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ID":9`) {
		t.Fatalf("expected claimed run in response, got %s", rec.Body.String())
	}
}

func TestFinishRunMapsStoreErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"wrong token", store.ErrTokenInvalid, http.StatusUnauthorized},
		{"not started", store.ErrStateInvalid, http.StatusConflict},
		{"unknown run", store.ErrNotFound, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeWorkerStore{finishErr: tc.err}
			api := &workerAPI{store: fs}

			req := httptest.NewRequest(http.MethodPost, "/worker/runs/9/finish",
				strings.NewReader(`{"build_token":"t","result":"pass","final_text":""}`))
			rec := httptest.NewRecorder()
			api.runsRouter()(rec, req)

			if rec.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestFinishRunFiresOnFinishedHook(t *testing.T) {
	fs := &fakeWorkerStore{}
	var notified []int64
	api := &workerAPI{store: fs, onFinished: func(runID int64) { notified = append(notified, runID) }}

	req := httptest.NewRequest(http.MethodPost, "/worker/runs/9/finish",
		strings.NewReader(`{"build_token":"t","result":"fail","final_text":"boom"}`))
	rec := httptest.NewRecorder()
	api.runsRouter()(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(notified) != 1 || notified[0] != 9 {
		t.Fatalf("expected the finished hook to fire for run 9, got %v", notified)
	}
}

func TestFinishRunHookSkippedOnFailure(t *testing.T) {
	fs := &fakeWorkerStore{finishErr: store.ErrTokenInvalid}
	var notified []int64
	api := &workerAPI{store: fs, onFinished: func(runID int64) { notified = append(notified, runID) }}

	req := httptest.NewRequest(http.MethodPost, "/worker/runs/9/finish",
		strings.NewReader(`{"build_token":"bad","result":"pass","final_text":""}`))
	rec := httptest.NewRecorder()
	api.runsRouter()(rec, req)

	if len(notified) != 0 {
		t.Fatalf("expected no notification for a rejected finish, got %v", notified)
	}
}

func TestRunsRouterRejectsMalformedPaths(t *testing.T) {
	api := &workerAPI{store: &fakeWorkerStore{}}

	for _, path := range []string{"/worker/runs/abc/finish", "/worker/runs/9"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		api.runsRouter()(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", path, rec.Code)
		}
	}
}

func TestRegisterHost(t *testing.T) {
	fs := &fakeWorkerStore{}
	api := &workerAPI{store: fs}

	req := httptest.NewRequest(http.MethodPost, "/worker/hosts",
		strings.NewReader(`{"hostname":"builder-1","arch":"x86_64","cpu_cores":8}`))
	rec := httptest.NewRecorder()
	api.handleRegisterHost(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if len(fs.hosts) != 1 || fs.hosts[0].Hostname != "builder-1" {
		t.Fatalf("expected host fingerprint recorded, got %+v", fs.hosts)
	}
}
