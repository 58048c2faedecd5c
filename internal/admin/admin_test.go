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

package admin

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/codepr/ci-core/internal/store"
)

type fakeStore struct {
	repos       map[string]int64
	repoList    []*store.Repo
	repoByID    map[int64]*store.Repo
	remotes     map[int64][]*store.Remote
	remoteByID  map[int64]*store.Remote
	jobs        map[int64]*store.Job
	commits     map[string]*store.Commit
	jobsBySha   map[string]*store.Job
	newRunCalls []int64
	ensuredShas []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		repos:      map[string]int64{},
		repoByID:   map[int64]*store.Repo{},
		remotes:    map[int64][]*store.Remote{},
		remoteByID: map[int64]*store.Remote{},
		jobs:       map[int64]*store.Job{},
		commits:    map[string]*store.Commit{},
		jobsBySha:  map[string]*store.Job{},
	}
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func (f *fakeStore) NewRepo(name string) (int64, error) {
	id := int64(len(f.repos) + 1)
	f.repos[name] = id
	r := &store.Repo{ID: id, Name: name}
	f.repoList = append(f.repoList, r)
	f.repoByID[id] = r
	return id, nil
}

func (f *fakeStore) RepoIDByName(name string) (int64, error) { return f.repos[name], nil }

func (f *fakeStore) Repo(repoID int64) (*store.Repo, error) {
	r, ok := f.repoByID[repoID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) AllRepos() ([]*store.Repo, error) { return f.repoList, nil }

func (f *fakeStore) NewRemote(repoID int64, path, api, browseURL, gitURL, notifierConfigPath string) (int64, error) {
	id := int64(len(f.remoteByID) + 1)
	r := &store.Remote{ID: id, RepoID: repoID, Path: path, API: api, NotifierConfigPath: notifierConfigPath}
	f.remotes[repoID] = append(f.remotes[repoID], r)
	f.remoteByID[id] = r
	return id, nil
}

func (f *fakeStore) Remote(remoteID int64) (*store.Remote, error) {
	r, ok := f.remoteByID[remoteID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) RemotesForRepo(repoID int64) ([]*store.Remote, error) { return f.remotes[repoID], nil }

func (f *fakeStore) RemoteByPathAndAPI(api, path string) (*store.Remote, error) {
	for _, r := range f.remoteByID {
		if r.API == api && r.Path == path {
			return r, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) AllRunsWithJobInfo() ([]*store.JobWithRun, error) { return nil, nil }

func (f *fakeStore) Job(jobID int64) (*store.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) EnsureCommit(sha string) (int64, error) {
	f.ensuredShas = append(f.ensuredShas, sha)
	if c, ok := f.commits[sha]; ok {
		return c.ID, nil
	}
	id := int64(len(f.commits) + 1)
	f.commits[sha] = &store.Commit{ID: id, Sha: sha}
	return id, nil
}

func (f *fakeStore) JobForCommit(sha string) (*store.Job, error) {
	return f.jobsBySha[sha], nil
}

func (f *fakeStore) NewJob(remoteID, commitID int64, source string, runPreferences *string) (int64, error) {
	id := int64(len(f.jobs) + 1)
	j := &store.Job{ID: id, RemoteID: remoteID, CommitID: commitID, Source: &source, RunPreferences: runPreferences}
	f.jobs[id] = j
	return id, nil
}

func (f *fakeStore) NewRun(jobID int64, hostPreference *int64) (int64, error) {
	f.newRunCalls = append(f.newRunCalls, jobID)
	return int64(len(f.newRunCalls)), nil
}

func TestAddRemoteUnknownRepo(t *testing.T) {
	a := New(newFakeStore(), "", "", testLogger())
	_, _, err := a.AddRemote("nope/nope", "p", "github", "", "", "cfg")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAddRemoteKnownRepo(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, "", "", testLogger())
	if _, err := a.AddRepo("acme/widgets"); err != nil {
		t.Fatalf("add repo: %v", err)
	}
	id, warning, err := a.AddRemote("acme/widgets", "acme/widgets", "github", "https://x", "https://x.git", "cfg.json")
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a nonzero remote id")
	}
	if warning == "" {
		t.Fatal("expected a warning since cfg.json does not exist")
	}
}

func TestJobRerunCommitNotFound(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, "", "", testLogger())
	_, err := a.JobRerunCommit("deadbeef")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a commit with no job, got %v", err)
	}
}

func TestJobRerunCommitQueuesRun(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, "", "", testLogger())
	fs.jobsBySha["deadbeef"] = &store.Job{ID: 7, RemoteID: 42, CommitID: 1}

	runID, err := a.JobRerunCommit("deadbeef")
	if err != nil {
		t.Fatalf("rerun commit: %v", err)
	}
	if runID == 0 {
		t.Fatal("expected a nonzero run id")
	}
	if len(fs.newRunCalls) != 1 || fs.newRunCalls[0] != 7 {
		t.Fatalf("expected a new run queued against job 7, got %v", fs.newRunCalls)
	}
}

func TestJobCreateEnsuresCommitAndFallsBackToDefaultRunPreference(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, "", "", testLogger())
	repoID, err := a.AddRepo("acme/widgets")
	if err != nil {
		t.Fatalf("add repo: %v", err)
	}
	pref := "all"
	fs.repoByID[repoID].DefaultRunPreference = &pref
	remoteID, _, err := a.AddRemote("acme/widgets", "acme/widgets", "github", "", "", "cfg.json")
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}

	jobID, err := a.JobCreate(remoteID, "cafebabe", "manual", nil)
	if err != nil {
		t.Fatalf("job create: %v", err)
	}
	if jobID == 0 {
		t.Fatal("expected a nonzero job id")
	}
	if len(fs.ensuredShas) != 1 || fs.ensuredShas[0] != "cafebabe" {
		t.Fatalf("expected EnsureCommit to be called with cafebabe, got %v", fs.ensuredShas)
	}
	job := fs.jobs[jobID]
	if job.RunPreferences == nil || *job.RunPreferences != "all" {
		t.Fatalf("expected job to inherit the repo's default run preference, got %v", job.RunPreferences)
	}
}

func TestJobCreateHonorsExplicitRunPreferences(t *testing.T) {
	fs := newFakeStore()
	a := New(fs, "", "", testLogger())
	repoID, _ := a.AddRepo("acme/widgets")
	defaultPref := "all"
	fs.repoByID[repoID].DefaultRunPreference = &defaultPref
	remoteID, _, err := a.AddRemote("acme/widgets", "acme/widgets", "github", "", "", "cfg.json")
	if err != nil {
		t.Fatalf("add remote: %v", err)
	}

	explicit := "fast-only"
	jobID, err := a.JobCreate(remoteID, "cafebabe", "manual", &explicit)
	if err != nil {
		t.Fatalf("job create: %v", err)
	}
	job := fs.jobs[jobID]
	if job.RunPreferences == nil || *job.RunPreferences != "fast-only" {
		t.Fatalf("expected the explicit run preference to win, got %v", job.RunPreferences)
	}
}
