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

// Package eventproc turns an inbound push event into the store mutations
// and notifications the rest of the system reacts to: ensure the commit
// exists, dedup against an already-queued job, create the job and its
// first pending run, track the ref's commit name, and queue a
// "build queued" notification.
package eventproc

import (
	"errors"
	"fmt"
	"log"

	"github.com/google/go-github/v32/github"

	"github.com/codepr/ci-core/internal/store"
)

// NotifyQueue is the one-way handoff to the async notifier dispatcher;
// ProcessPush never waits on a remote notifier itself.
type NotifyQueue interface {
	Enqueue(event NotifyEvent) error
}

// NotifyEvent is the small envelope placed on the notify queue. RepoID
// carries the owning repo so the consumer can fan out to every remote's
// notifier, not just the one that received the triggering push.
type NotifyEvent struct {
	RepoID    int64
	RemoteID  int64
	Path      string
	Sha       string
	Kind      string // "pending" on job creation, "success"/"failure" on run completion
	TargetURL string
}

// Store is the subset of store.Store the processor needs, kept narrow so
// tests can fake it without standing up SQLite.
type Store interface {
	RemoteByPathAndAPI(api, path string) (*store.Remote, error)
	Repo(repoID int64) (*store.Repo, error)
	Remote(remoteID int64) (*store.Remote, error)
	Commit(commitID int64) (*store.Commit, error)
	EnsureCommit(sha string) (int64, error)
	JobForRemoteCommit(remoteID, commitID int64) (*store.Job, error)
	Job(jobID int64) (*store.Job, error)
	NewJob(remoteID, commitID int64, source string, runPreferences *string) (int64, error)
	NewRun(jobID int64, hostPreference *int64) (int64, error)
	Run(runID int64) (*store.Run, error)
	LatestNameForRef(ref string) (*store.CommitName, error)
	RecordCommitName(commitID int64, name string, staleID int64) (int64, error)
}

// Processor implements webhook.EventProcessor.
type Processor struct {
	store     Store
	queue     NotifyQueue
	statusURL func(path, sha string) string
	logger    *log.Logger
}

func New(s Store, q NotifyQueue, statusURL func(path, sha string) string, logger *log.Logger) *Processor {
	return &Processor{store: s, queue: q, statusURL: statusURL, logger: logger}
}

// ProcessPush handles one push event for a github remote identified by
// path (owner/repo). A push to a commit already covered by a job for this
// remote creates no job, run or notification: dedup is enforced by the
// jobs table's unique index, but checking first turns a repeat delivery
// into a quiet no-op instead of a failed insert. The ref's commit name is
// tracked before that check, so it is updated on every push.
func (p *Processor) ProcessPush(path string, event *github.PushEvent) error {
	if event.GetAfter() == "" {
		return fmt.Errorf("push event for %s missing head sha", path)
	}

	remote, err := p.store.RemoteByPathAndAPI("github", path)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remote %s: %w", path, store.ErrNotFound)
		}
		return fmt.Errorf("resolve remote: %w", err)
	}

	sha := event.GetAfter()
	commitID, err := p.store.EnsureCommit(sha)
	if err != nil {
		return fmt.Errorf("ensure commit: %w", err)
	}

	if err := p.trackCommitName(commitID, event.GetRef()); err != nil {
		p.logger.Printf("eventproc: commit name tracking for %s@%s: %v", path, sha, err)
	}

	existing, err := p.store.JobForRemoteCommit(remote.ID, commitID)
	if err != nil {
		return fmt.Errorf("check existing job: %w", err)
	}
	if existing != nil {
		p.logger.Printf("eventproc: %s@%s already has job %d, skipping", path, sha, existing.ID)
		return nil
	}

	repo, err := p.store.Repo(remote.RepoID)
	if err != nil {
		return fmt.Errorf("resolve owning repo: %w", err)
	}

	source := event.GetPusher().GetEmail()

	jobID, err := p.store.NewJob(remote.ID, commitID, source, repo.DefaultRunPreference)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil
		}
		return fmt.Errorf("create job: %w", err)
	}

	// One unpinned Pending run per new job; the host-coverage sweep takes
	// care of fanning an "all" run_preferences job out to every known host.
	if _, err := p.store.NewRun(jobID, nil); err != nil {
		return fmt.Errorf("create initial run: %w", err)
	}

	if err := p.queue.Enqueue(NotifyEvent{
		RepoID:    repo.ID,
		RemoteID:  remote.ID,
		Path:      path,
		Sha:       sha,
		Kind:      "pending",
		TargetURL: p.statusURL(path, sha),
	}); err != nil {
		p.logger.Printf("eventproc: enqueue notify for %s@%s: %v", path, sha, err)
	}

	return nil
}

// ProcessRunFinished queues terminal-status notifications for a run that
// just reached Finished or Error. Called by the worker surface after a
// successful finish_run; a run in any other state is left alone, so a
// stray or repeated callback can't produce a bogus upstream status.
func (p *Processor) ProcessRunFinished(runID int64) error {
	run, err := p.store.Run(runID)
	if err != nil {
		return fmt.Errorf("resolve run: %w", err)
	}

	var kind string
	switch run.State {
	case store.RunFinished:
		kind = "success"
	case store.RunError:
		kind = "failure"
	default:
		return nil
	}

	job, err := p.store.Job(run.JobID)
	if err != nil {
		return fmt.Errorf("resolve job: %w", err)
	}
	remote, err := p.store.Remote(job.RemoteID)
	if err != nil {
		return fmt.Errorf("resolve remote: %w", err)
	}
	commit, err := p.store.Commit(job.CommitID)
	if err != nil {
		return fmt.Errorf("resolve commit: %w", err)
	}

	return p.queue.Enqueue(NotifyEvent{
		RepoID:    remote.RepoID,
		RemoteID:  remote.ID,
		Path:      remote.Path,
		Sha:       commit.Sha,
		Kind:      kind,
		TargetURL: p.statusURL(remote.Path, commit.Sha),
	})
}

// trackCommitName marks any prior Fresh name for this ref Stale and
// records a new Fresh one pointing at commitID, per the append-only
// commit_names rule: refs move, names never get deleted.
func (p *Processor) trackCommitName(commitID int64, ref string) error {
	if ref == "" {
		return nil
	}
	prior, err := p.store.LatestNameForRef(ref)
	if err != nil {
		return fmt.Errorf("latest name for ref: %w", err)
	}
	var staleID int64
	if prior != nil {
		if prior.CommitID == commitID {
			return nil
		}
		staleID = prior.ID
	}
	_, err = p.store.RecordCommitName(commitID, ref, staleID)
	return err
}
