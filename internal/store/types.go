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

// Package store is the durable, transactional keeping of repos, remotes,
// commits, commit names, jobs, runs, metrics, artifacts and hosts described
// in the system's data model. Every mutation goes through here; nothing
// above this package touches SQL directly.
package store

import (
	"fmt"
	"time"
)

// Repo is an operator-declared unit of CI interest.
type Repo struct {
	ID                   int64
	Name                 string
	DefaultRunPreference *string
}

// Remote is a specific provider-hosted mirror of a Repo.
type Remote struct {
	ID                 int64
	RepoID             int64
	Path               string
	API                string
	BrowseURL          string
	GitURL             string
	NotifierConfigPath string
}

// RemoteNotifier is one remote of a repo paired with the notifier config
// that speaks for it, the projection notifiers_by_repo returns.
type RemoteNotifier struct {
	RemoteID           int64
	Path               string
	API                string
	NotifierConfigPath string
}

// Commit is a content hash observed from any remote. Immutable once
// inserted.
type Commit struct {
	ID  int64
	Sha string
}

// NameState describes how trustworthy a CommitName still is.
type NameState int

const (
	NameFresh NameState = iota
	NameStale
	NameShortSha
)

func (s NameState) String() string {
	switch s {
	case NameFresh:
		return "fresh"
	case NameStale:
		return "stale"
	case NameShortSha:
		return "short_sha"
	default:
		return "unknown"
	}
}

// NameStateFromInt validates a persisted integer into a NameState. Never
// reinterpret the raw column value directly.
func NameStateFromInt(v int) (NameState, error) {
	switch v {
	case int(NameFresh), int(NameStale), int(NameShortSha):
		return NameState(v), nil
	default:
		return 0, fmt.Errorf("invalid name state: %d", v)
	}
}

// CommitName is a human-oriented label (branch, tag, short sha) for a
// commit.
type CommitName struct {
	ID       int64
	CommitID int64
	Name     string
	State    NameState
}

// Job is the system's commitment to evaluate one commit on one remote.
type Job struct {
	ID             int64
	RemoteID       int64
	CommitID       int64
	CreatedTime    time.Time
	Source         *string
	RunPreferences *string
}

// RunState is the lifecycle stage of one Run. Stored as a small integer;
// always converted through RunStateFromInt so a corrupt column value can't
// silently become a valid state.
type RunState int

const (
	RunPending RunState = iota
	RunStarted
	RunFinished
	RunError
	RunInvalid
)

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunStarted:
		return "started"
	case RunFinished:
		return "finished"
	case RunError:
		return "error"
	case RunInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// RunStateFromInt validates a persisted integer into a RunState.
func RunStateFromInt(v int) (RunState, error) {
	switch v {
	case int(RunPending), int(RunStarted), int(RunFinished), int(RunError), int(RunInvalid):
		return RunState(v), nil
	default:
		return 0, fmt.Errorf("invalid run state: %d", v)
	}
}

// BuildResult is the terminal pass/fail code a worker reports in finish_run.
type BuildResult int

const (
	ResultPass BuildResult = iota
	ResultFail
)

// Run is one attempt to execute a Job on some host.
type Run struct {
	ID             int64
	JobID          int64
	ArtifactsPath  *string
	State          RunState
	HostID         *int64
	HostPreference *int64
	BuildToken     *string
	CreateTime     time.Time
	StartTime      *time.Time
	CompleteTime   *time.Time
	RunTimeout     *time.Duration
	BuildResult    *BuildResult
	FinalText      *string
}

// Metric is a (run, name) -> value datum produced during a run.
type Metric struct {
	ID    int64
	RunID int64
	Name  string
	Value string
}

// Artifact is a named blob stream belonging to a run.
type Artifact struct {
	ID            int64
	RunID         int64
	Name          string
	Desc          string
	CreatedTime   time.Time
	CompletedTime *time.Time
}

// Host is a worker machine's fingerprint.
type Host struct {
	ID            int64
	Hostname      string
	CPUVendorID   string
	CPUModelName  string
	CPUFamily     string
	CPUModel      string
	CPUMicrocode  string
	CPUMaxFreqKHz int64
	CPUCores      int64
	MemTotal      string
	Arch          string
	Family        string
	OS            string
}

// JobWithRun is the flattened projection used by the admin `job list`
// operation.
type JobWithRun struct {
	JobID          int64
	RunID          int64
	State          RunState
	CreatedTime    time.Time
	CommitID       int64
	RunPreferences *string
}
