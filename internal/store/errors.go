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

package store

import (
	"errors"
	"strings"
)

// Sentinel errors for the store's failure modes. Callers use errors.Is
// against these; any other failure is the underlying driver error wrapped
// with context.
var (
	// ErrDuplicate is returned by new_repo when the repo name already
	// exists, and by new_job when a job for the (remote, commit) pair
	// already exists.
	ErrDuplicate = errors.New("already exists")

	// ErrNotFound covers unknown remote/commit/job/run/artifact lookups.
	ErrNotFound = errors.New("not found")

	// ErrTokenInvalid is returned by finish_run/record_metric/
	// create_artifact/complete_artifact when the supplied build token
	// does not match the run's assigned token.
	ErrTokenInvalid = errors.New("build token invalid")

	// ErrStateInvalid is returned by finish_run when the run is not in a
	// state that can be finished (i.e. not Started).
	ErrStateInvalid = errors.New("run not in a finishable state")

	// ErrNoRunnersAvailable is returned by claim_pending_run when no
	// Pending run matches the claiming host.
	ErrNoRunnersAvailable = errors.New("no pending run available")
)

// IsTransient reports whether err is a temporary store condition worth a
// retry from the caller: SQLite signalling a held write lock rather than
// a real failure. The ingress maps these to 503 instead of 500.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
