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

package statusview

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codepr/ci-core/internal/store"
)

type fakeStore struct {
	remote    *store.Remote
	commit    *store.Commit
	job       *store.Job
	runs      []*store.Run
	names     []*store.CommitName
	remoteErr error
	commitErr error
}

func (f *fakeStore) RemoteByPathAndAPI(api, path string) (*store.Remote, error) {
	if f.remoteErr != nil {
		return nil, f.remoteErr
	}
	return f.remote, nil
}

func (f *fakeStore) CommitBySha(sha string) (*store.Commit, error) {
	if f.commitErr != nil {
		return nil, f.commitErr
	}
	return f.commit, nil
}

func (f *fakeStore) JobForRemoteCommit(remoteID, commitID int64) (*store.Job, error) {
	return f.job, nil
}

func (f *fakeStore) RunsForJob(jobID int64) ([]*store.Run, error) {
	return f.runs, nil
}

func (f *fakeStore) NamesForCommit(commitID int64) ([]*store.CommitName, error) {
	return f.names, nil
}

func pass() *store.BuildResult { r := store.ResultPass; return &r }
func fail() *store.BuildResult { r := store.ResultFail; return &r }

func TestAggregateUsesMostRecentRun(t *testing.T) {
	cases := []struct {
		name string
		runs []*store.Run
		want string
	}{
		{"no runs", nil, "unknown"},
		{"pending", []*store.Run{{State: store.RunPending}}, "pending"},
		{"started", []*store.Run{{State: store.RunPending}, {State: store.RunStarted}}, "pending"},
		{"finished pass", []*store.Run{{State: store.RunError}, {State: store.RunFinished, BuildResult: pass()}}, "pass"},
		{"finished fail", []*store.Run{{State: store.RunFinished, BuildResult: fail()}}, "fail"},
		{"error", []*store.Run{{State: store.RunError}}, "fail"},
		{"invalid", []*store.Run{{State: store.RunInvalid}}, "server error"},
		{"old finish, new pending rerun", []*store.Run{
			{State: store.RunFinished, BuildResult: pass()},
			{State: store.RunPending},
		}, "pending"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregate(tc.runs); got != tc.want {
				t.Fatalf("aggregate() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHandlerRendersStatusPage(t *testing.T) {
	started := time.Unix(100, 0).UTC()
	fs := &fakeStore{
		remote: &store.Remote{ID: 1, BrowseURL: "https://github.com/acme/widgets"},
		commit: &store.Commit{ID: 1, Sha: "deadbeef"},
		job:    &store.Job{ID: 1},
		runs: []*store.Run{
			{ID: 1, State: store.RunFinished, BuildResult: pass(), StartTime: &started},
		},
		names: []*store.CommitName{
			{ID: 2, CommitID: 1, Name: "refs/heads/main", State: store.NameFresh},
			{ID: 1, CommitID: 1, Name: "refs/heads/old", State: store.NameStale},
		},
	}
	h := New(fs)

	req := httptest.NewRequest(http.MethodGet, "/acme/widgets/deadbeef", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req, "acme", "widgets", "deadbeef")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "acme/widgets") || !strings.Contains(body, "deadbeef") {
		t.Fatalf("expected page to mention repo path and sha, got: %s", body)
	}
	if !strings.Contains(body, "pass") {
		t.Fatalf("expected page to show overall status 'pass', got: %s", body)
	}
	if !strings.Contains(body, `href="https://github.com/acme/widgets/commit/deadbeef"`) {
		t.Fatalf("expected a hyperlink to the upstream commit, got: %s", body)
	}
	if !strings.Contains(body, "refs/heads/main") || strings.Contains(body, "refs/heads/old") {
		t.Fatalf("expected only the fresh ref name on the page, got: %s", body)
	}
}

func TestHandlerUnknownRemoteReturns404(t *testing.T) {
	fs := &fakeStore{remoteErr: store.ErrNotFound}
	h := New(fs)

	req := httptest.NewRequest(http.MethodGet, "/bob/bar/deadbeef", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req, "bob", "bar", "deadbeef")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandlerNoJobReturns404(t *testing.T) {
	fs := &fakeStore{
		remote: &store.Remote{ID: 1},
		commit: &store.Commit{ID: 1, Sha: "deadbeef"},
		job:    nil,
	}
	h := New(fs)

	req := httptest.NewRequest(http.MethodGet, "/acme/widgets/deadbeef", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req, "acme", "widgets", "deadbeef")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when no job covers the commit, got %d", rec.Code)
	}
}
