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

// Package admin implements the operator-facing operations exposed by the
// CLI: declaring repos and remotes, listing and rerunning jobs, and
// validating a remote's notifier configuration. Unlike the daemon, the
// CLI opens the store directly for the duration of one invocation rather
// than talking to a running process over a socket.
package admin

import (
	"context"
	"fmt"
	"log"

	"github.com/codepr/ci-core/internal/githubapi"
	"github.com/codepr/ci-core/internal/notifier"
	"github.com/codepr/ci-core/internal/store"
)

// Store is the subset of store.Store the admin operations need.
type Store interface {
	NewRepo(name string) (int64, error)
	RepoIDByName(name string) (int64, error)
	Repo(repoID int64) (*store.Repo, error)
	AllRepos() ([]*store.Repo, error)
	NewRemote(repoID int64, path, api, browseURL, gitURL, notifierConfigPath string) (int64, error)
	Remote(remoteID int64) (*store.Remote, error)
	RemoteByPathAndAPI(api, path string) (*store.Remote, error)
	RemotesForRepo(repoID int64) ([]*store.Remote, error)
	AllRunsWithJobInfo() ([]*store.JobWithRun, error)
	Job(jobID int64) (*store.Job, error)
	EnsureCommit(sha string) (int64, error)
	JobForCommit(sha string) (*store.Job, error)
	NewJob(remoteID, commitID int64, source string, runPreferences *string) (int64, error)
	NewRun(jobID int64, hostPreference *int64) (int64, error)
}

// Admin performs operator operations against a Store. Webhook bootstrap
// (4.G's ensure_webhook) is best-effort and never blocks or rolls back
// the repo/remote rows it runs after; failures are logged via logger and
// returned as a warning, not an error.
type Admin struct {
	store         Store
	publicBaseURL string
	configRoot    string
	logger        *log.Logger
}

// New builds an Admin. publicBaseURL is this daemon's own externally
// reachable address (e.g. "https://ci.example.com"), used to construct
// the webhook callback URL registered upstream; pass "" to skip webhook
// bootstrap entirely (validation still runs). configRoot anchors relative
// notifier config paths.
func New(s Store, publicBaseURL, configRoot string, logger *log.Logger) *Admin {
	return &Admin{store: s, publicBaseURL: publicBaseURL, configRoot: configRoot, logger: logger}
}

// AddRepo declares a new repo by name.
func (a *Admin) AddRepo(name string) (int64, error) {
	return a.store.NewRepo(name)
}

// AddRemote attaches a provider mirror to an existing repo, looked up by
// name. It validates the notifier config and, for github-kind remotes,
// attempts to ensure an inbound webhook exists upstream; either step's
// failure is reported back as a warning string but never fails the call
// or rolls back the created remote row.
func (a *Admin) AddRemote(repoName, path, api, browseURL, gitURL, notifierConfigPath string) (int64, string, error) {
	repoID, err := a.store.RepoIDByName(repoName)
	if err != nil {
		return 0, "", fmt.Errorf("resolve repo %q: %w", repoName, err)
	}
	if repoID == 0 {
		return 0, "", fmt.Errorf("repo %q: %w", repoName, store.ErrNotFound)
	}
	remoteID, err := a.store.NewRemote(repoID, path, api, browseURL, gitURL, notifierConfigPath)
	if err != nil {
		return 0, "", err
	}

	warning := a.bootstrapRemote(path, api, notifierConfigPath)
	return remoteID, warning, nil
}

// bootstrapRemote validates notifierConfigPath and, for github-kind
// remotes, ensures the upstream webhook exists. Every failure is folded
// into the returned warning string instead of an error.
func (a *Admin) bootstrapRemote(path, api, notifierConfigPath string) string {
	cfg, err := notifier.LoadConfig(notifier.ResolveConfigPath(a.configRoot, notifierConfigPath))
	if err != nil {
		a.logger.Printf("admin: notifier config for %s invalid: %v", path, err)
		return fmt.Sprintf("notifier config invalid: %v", err)
	}
	if api != "github" || cfg.GitHub == nil {
		return ""
	}
	if a.publicBaseURL == "" {
		return ""
	}

	client := githubapi.New(cfg.GitHub.CIServer, cfg.GitHub.Token)
	callback := a.publicBaseURL + "/" + path
	if err := client.EnsureWebhook(context.Background(), path, callback, cfg.GitHub.WebhookToken); err != nil {
		a.logger.Printf("admin: ensure webhook for %s: %v", path, err)
		return fmt.Sprintf("webhook bootstrap failed: %v", err)
	}
	return ""
}

// ResolveRemote finds a remote by its (api, path) pair, the form an
// operator names a remote by on the command line.
func (a *Admin) ResolveRemote(api, path string) (*store.Remote, error) {
	return a.store.RemoteByPathAndAPI(api, path)
}

// JobList returns every job and its runs, flattened for display.
func (a *Admin) JobList() ([]*store.JobWithRun, error) {
	return a.store.AllRunsWithJobInfo()
}

// JobRerun queues a fresh, unpinned run for an existing job id.
func (a *Admin) JobRerun(jobID int64) (int64, error) {
	if _, err := a.store.Job(jobID); err != nil {
		return 0, err
	}
	return a.store.NewRun(jobID, nil)
}

// JobRerunCommit resolves a sha to the job covering it and queues a fresh
// run for that job.
func (a *Admin) JobRerunCommit(sha string) (int64, error) {
	job, err := a.store.JobForCommit(sha)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("no job for commit %s: %w", sha, store.ErrNotFound)
	}
	return a.store.NewRun(job.ID, nil)
}

// JobCreate is the manual equivalent of a push event: it ensures the
// commit row exists (a push may never actually have arrived for it, e.g.
// backfilling a tag cut before the remote was registered), and falls back
// to the owning repo's default_run_preference when the caller doesn't
// override it.
func (a *Admin) JobCreate(remoteID int64, sha, source string, runPreferences *string) (int64, error) {
	commitID, err := a.store.EnsureCommit(sha)
	if err != nil {
		return 0, fmt.Errorf("ensure commit %s: %w", sha, err)
	}

	if runPreferences == nil {
		remote, err := a.store.Remote(remoteID)
		if err != nil {
			return 0, fmt.Errorf("resolve remote %d: %w", remoteID, err)
		}
		repo, err := a.store.Repo(remote.RepoID)
		if err != nil {
			return 0, fmt.Errorf("resolve owning repo: %w", err)
		}
		runPreferences = repo.DefaultRunPreference
	}

	jobID, err := a.store.NewJob(remoteID, commitID, source, runPreferences)
	if err != nil {
		return 0, err
	}
	if _, err := a.store.NewRun(jobID, nil); err != nil {
		return 0, fmt.Errorf("seed initial run for job %d: %w", jobID, err)
	}
	return jobID, nil
}

// Validate loads every remote's notifier config and reports which ones
// fail to parse, without mutating anything. Used before a config rollout
// to catch a malformed file before it breaks live notifications.
func (a *Admin) Validate() ([]ValidationError, error) {
	repos, err := a.store.AllRepos()
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}

	var errs []ValidationError
	for _, repo := range repos {
		remotes, err := a.store.RemotesForRepo(repo.ID)
		if err != nil {
			return nil, fmt.Errorf("remotes for repo %s: %w", repo.Name, err)
		}
		for _, remote := range remotes {
			if _, err := notifier.LoadConfig(notifier.ResolveConfigPath(a.configRoot, remote.NotifierConfigPath)); err != nil {
				errs = append(errs, ValidationError{
					Repo:   repo.Name,
					Remote: remote.Path,
					Err:    err,
				})
			}
		}
	}
	return errs, nil
}

// ValidationError names the repo/remote whose notifier config failed to
// load.
type ValidationError struct {
	Repo   string
	Remote string
	Err    error
}

func (v ValidationError) Error() string {
	return fmt.Sprintf("%s (%s): %v", v.Repo, v.Remote, v.Err)
}
