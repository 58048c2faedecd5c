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

// Package statusview renders the human-facing commit status page: the
// commit's overall status, taken from its most recent run, and a row for
// every run it triggered, across however many times it's been rerun.
package statusview

import (
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/codepr/ci-core/internal/store"
)

// Store is the subset of store.Store the view needs.
type Store interface {
	RemoteByPathAndAPI(api, path string) (*store.Remote, error)
	CommitBySha(sha string) (*store.Commit, error)
	JobForRemoteCommit(remoteID, commitID int64) (*store.Job, error)
	RunsForJob(jobID int64) ([]*store.Run, error)
	NamesForCommit(commitID int64) ([]*store.CommitName, error)
}

// Handler serves GET /{owner}/{repo}/{sha}.
type Handler struct {
	store Store
	tmpl  *template.Template
}

func New(s Store) *Handler {
	return &Handler{store: s, tmpl: template.Must(template.New("status").Parse(pageTemplate))}
}

type viewData struct {
	Path      string
	Sha       string
	RefName   string
	CommitURL string
	Overall   string
	Deployed  bool // no backing column yet; always false, see spec's open question
	Runs      []runView
}

type runView struct {
	ID      int64
	State   string
	Host    string
	Result  string
	Started string
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, owner, repo, sha string) {
	path := owner + "/" + repo

	remote, err := h.store.RemoteByPathAndAPI("github", path)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	commit, err := h.store.CommitBySha(sha)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	job, err := h.store.JobForRemoteCommit(remote.ID, commit.ID)
	if err != nil {
		h.notFoundOr500(w, err)
		return
	}
	if job == nil {
		http.Error(w, "no job found for this commit", http.StatusNotFound)
		return
	}

	runs, err := h.store.RunsForJob(job.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	data := viewData{Path: path, Sha: sha, Overall: aggregate(runs)}
	if remote.BrowseURL != "" {
		data.CommitURL = remote.BrowseURL + "/commit/" + sha
	}
	if names, err := h.store.NamesForCommit(commit.ID); err == nil {
		for _, n := range names {
			if n.State == store.NameFresh {
				data.RefName = n.Name
				break
			}
		}
	}
	for _, run := range runs {
		rv := runView{ID: run.ID, State: run.State.String()}
		if run.HostID != nil {
			rv.Host = fmt.Sprintf("host#%d", *run.HostID)
		}
		if run.BuildResult != nil {
			if *run.BuildResult == store.ResultPass {
				rv.Result = "pass"
			} else {
				rv.Result = "fail"
			}
		}
		if run.StartTime != nil {
			rv.Started = run.StartTime.Format("2006-01-02 15:04:05 MST")
		}
		data.Runs = append(data.Runs, rv)
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.Execute(w, data); err != nil {
		http.Error(w, "render error", http.StatusInternalServerError)
	}
}

// aggregate derives the commit's displayed status from its most recent
// Run: Pending/Started -> "pending"; Finished with a passing result ->
// "pass"; Finished with a failing result or Error -> "fail"; Invalid ->
// "server error". RunsForJob orders ascending by created_time, so the
// most recent run is the last element.
func aggregate(runs []*store.Run) string {
	if len(runs) == 0 {
		return "unknown"
	}
	latest := runs[len(runs)-1]
	switch latest.State {
	case store.RunPending, store.RunStarted:
		return "pending"
	case store.RunFinished:
		if latest.BuildResult != nil && *latest.BuildResult == store.ResultPass {
			return "pass"
		}
		return "fail"
	case store.RunError:
		return "fail"
	case store.RunInvalid:
		return "server error"
	default:
		return "unknown"
	}
}

func (h *Handler) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

const pageTemplate = `<!DOCTYPE html>
<html>
<head><title>{{.Path}}@{{.Sha}} - {{.Overall}}</title></head>
<body>
<h1>{{.Path}} @ {{if .CommitURL}}<a href="{{.CommitURL}}">{{.Sha}}</a>{{else}}{{.Sha}}{{end}}</h1>
{{if .RefName}}<p>Ref: {{.RefName}}</p>
{{end}}<p>Overall: <strong>{{.Overall}}</strong></p>
<p>Deployed: {{if .Deployed}}yes{{else}}no{{end}}</p>
<table border="1">
<tr><th>Run</th><th>State</th><th>Host</th><th>Result</th><th>Started</th></tr>
{{range .Runs}}<tr><td>{{.ID}}</td><td>{{.State}}</td><td>{{.Host}}</td><td>{{.Result}}</td><td>{{.Started}}</td></tr>
{{end}}
</table>
</body>
</html>
`
