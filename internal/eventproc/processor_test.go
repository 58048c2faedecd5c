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

package eventproc

import (
	"errors"
	"io"
	"log"
	"testing"

	"github.com/google/go-github/v32/github"

	"github.com/codepr/ci-core/internal/store"
)

type fakeStore struct {
	remote        *store.Remote
	remoteErr     error
	commits       map[string]int64
	jobsByCommit  map[int64]*store.Job
	jobsByID      map[int64]*store.Job
	runs          map[int64]*store.Run
	newJobCalls   int
	newRunCalls   int
	names         map[string]*store.CommitName
	recordedNames []string
	staleIDs      []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		commits:      map[string]int64{},
		jobsByCommit: map[int64]*store.Job{},
		jobsByID:     map[int64]*store.Job{},
		runs:         map[int64]*store.Run{},
		names:        map[string]*store.CommitName{},
	}
}

func (f *fakeStore) RemoteByPathAndAPI(api, path string) (*store.Remote, error) {
	if f.remoteErr != nil {
		return nil, f.remoteErr
	}
	return f.remote, nil
}

func (f *fakeStore) Repo(repoID int64) (*store.Repo, error) {
	return &store.Repo{ID: repoID}, nil
}

func (f *fakeStore) Remote(remoteID int64) (*store.Remote, error) {
	if f.remote == nil || f.remote.ID != remoteID {
		return nil, store.ErrNotFound
	}
	return f.remote, nil
}

func (f *fakeStore) Commit(commitID int64) (*store.Commit, error) {
	for sha, id := range f.commits {
		if id == commitID {
			return &store.Commit{ID: id, Sha: sha}, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Job(jobID int64) (*store.Job, error) {
	j, ok := f.jobsByID[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (f *fakeStore) Run(runID int64) (*store.Run, error) {
	r, ok := f.runs[runID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) EnsureCommit(sha string) (int64, error) {
	if id, ok := f.commits[sha]; ok {
		return id, nil
	}
	id := int64(len(f.commits) + 1)
	f.commits[sha] = id
	return id, nil
}

func (f *fakeStore) JobForRemoteCommit(remoteID, commitID int64) (*store.Job, error) {
	return f.jobsByCommit[commitID], nil
}

func (f *fakeStore) NewJob(remoteID, commitID int64, source string, runPreferences *string) (int64, error) {
	f.newJobCalls++
	id := int64(f.newJobCalls)
	j := &store.Job{ID: id, RemoteID: remoteID, CommitID: commitID}
	f.jobsByCommit[commitID] = j
	f.jobsByID[id] = j
	return id, nil
}

func (f *fakeStore) NewRun(jobID int64, hostPreference *int64) (int64, error) {
	f.newRunCalls++
	return int64(f.newRunCalls), nil
}

func (f *fakeStore) LatestNameForRef(ref string) (*store.CommitName, error) {
	return f.names[ref], nil
}

func (f *fakeStore) RecordCommitName(commitID int64, name string, staleID int64) (int64, error) {
	f.recordedNames = append(f.recordedNames, name)
	f.staleIDs = append(f.staleIDs, staleID)
	cn := &store.CommitName{ID: int64(len(f.recordedNames)), CommitID: commitID, Name: name, State: store.NameFresh}
	f.names[name] = cn
	return cn.ID, nil
}

type fakeQueue struct {
	events []NotifyEvent
}

func (q *fakeQueue) Enqueue(e NotifyEvent) error {
	q.events = append(q.events, e)
	return nil
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newPushEvent(ref, after, fullName string) *github.PushEvent {
	return &github.PushEvent{
		Ref:   &ref,
		After: &after,
		Repo:  &github.PushEventRepository{FullName: &fullName},
	}
}

func TestProcessPushCreatesJobAndNotifies(t *testing.T) {
	fs := newFakeStore()
	fs.remote = &store.Remote{ID: 42}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "http://ci.example/" + path + "/" + sha }, testLogger())

	event := newPushEvent("refs/heads/main", "deadbeef", "acme/widgets")
	if err := p.ProcessPush("acme/widgets", event); err != nil {
		t.Fatalf("process push: %v", err)
	}

	if fs.newJobCalls != 1 {
		t.Fatalf("expected 1 job created, got %d", fs.newJobCalls)
	}
	if fs.newRunCalls != 1 {
		t.Fatalf("expected 1 initial run created, got %d", fs.newRunCalls)
	}
	if len(q.events) != 1 {
		t.Fatalf("expected 1 notify event queued, got %d", len(q.events))
	}
	if q.events[0].Sha != "deadbeef" {
		t.Fatalf("unexpected sha in notify event: %s", q.events[0].Sha)
	}
}

func TestProcessPushSkipsDuplicateCommit(t *testing.T) {
	fs := newFakeStore()
	fs.remote = &store.Remote{ID: 42}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "" }, testLogger())

	event := newPushEvent("refs/heads/main", "deadbeef", "acme/widgets")
	if err := p.ProcessPush("acme/widgets", event); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := p.ProcessPush("acme/widgets", event); err != nil {
		t.Fatalf("second push: %v", err)
	}

	if fs.newJobCalls != 1 {
		t.Fatalf("expected exactly 1 job across both pushes, got %d", fs.newJobCalls)
	}
	if fs.newRunCalls != 1 {
		t.Fatalf("expected exactly 1 initial run across both pushes, got %d", fs.newRunCalls)
	}
	if len(q.events) != 1 {
		t.Fatalf("expected exactly 1 notify event across both pushes, got %d", len(q.events))
	}
}

func TestProcessPushUnconfiguredRemoteIsNotFound(t *testing.T) {
	fs := newFakeStore()
	fs.remoteErr = store.ErrNotFound
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "" }, testLogger())

	event := newPushEvent("refs/heads/main", "deadbeef", "unknown/repo")
	err := p.ProcessPush("unknown/repo", event)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for an unconfigured remote, got %v", err)
	}
	if len(q.events) != 0 {
		t.Fatal("expected no notify events for an unconfigured remote")
	}
}

func TestProcessPushMarksPriorNameStale(t *testing.T) {
	fs := newFakeStore()
	fs.remote = &store.Remote{ID: 42}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "" }, testLogger())

	first := newPushEvent("refs/heads/main", "commit-one", "acme/widgets")
	if err := p.ProcessPush("acme/widgets", first); err != nil {
		t.Fatalf("first push: %v", err)
	}

	second := newPushEvent("refs/heads/main", "commit-two", "acme/widgets")
	if err := p.ProcessPush("acme/widgets", second); err != nil {
		t.Fatalf("second push: %v", err)
	}

	if len(fs.recordedNames) != 2 {
		t.Fatalf("expected 2 recorded names (one per push), got %d", len(fs.recordedNames))
	}
	if fs.staleIDs[0] != 0 || fs.staleIDs[1] != 1 {
		t.Fatalf("expected the second push to mark name 1 stale, got stale ids %v", fs.staleIDs)
	}
}

func TestProcessRunFinishedQueuesTerminalStatus(t *testing.T) {
	fs := newFakeStore()
	fs.remote = &store.Remote{ID: 42, RepoID: 7, Path: "acme/widgets"}
	fs.commits["deadbeef"] = 9
	fs.jobsByID[3] = &store.Job{ID: 3, RemoteID: 42, CommitID: 9}
	fs.runs[5] = &store.Run{ID: 5, JobID: 3, State: store.RunError}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "http://ci.example/" + path + "/" + sha }, testLogger())

	if err := p.ProcessRunFinished(5); err != nil {
		t.Fatalf("process run finished: %v", err)
	}
	if len(q.events) != 1 {
		t.Fatalf("expected 1 notify event, got %d", len(q.events))
	}
	e := q.events[0]
	if e.Kind != "failure" || e.Sha != "deadbeef" || e.RepoID != 7 || e.Path != "acme/widgets" {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestProcessRunFinishedIgnoresNonTerminalRun(t *testing.T) {
	fs := newFakeStore()
	fs.runs[5] = &store.Run{ID: 5, JobID: 3, State: store.RunStarted}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "" }, testLogger())

	if err := p.ProcessRunFinished(5); err != nil {
		t.Fatalf("process run finished: %v", err)
	}
	if len(q.events) != 0 {
		t.Fatalf("expected no events for a still-running run, got %d", len(q.events))
	}
}

func TestProcessPushMissingSha(t *testing.T) {
	fs := newFakeStore()
	fs.remote = &store.Remote{ID: 42}
	q := &fakeQueue{}
	p := New(fs, q, func(path, sha string) string { return "" }, testLogger())

	event := &github.PushEvent{Repo: &github.PushEventRepository{}}
	if err := p.ProcessPush("acme/widgets", event); err == nil {
		t.Fatal("expected an error for a push event missing a head sha")
	}
}
