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
	"database/sql"
	"fmt"
	"strings"
)

// NewRepo creates a repo, returning ErrDuplicate if the name is taken.
func (s *Store) NewRepo(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(`INSERT INTO repos (repo_name, default_run_preference) VALUES (?, NULL)`, name)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("repo %q: %w", name, ErrDuplicate)
		}
		return 0, fmt.Errorf("insert repo: %w", err)
	}
	return res.LastInsertId()
}

// RepoIDByName resolves a repo name to its id, (0, nil) if absent.
func (s *Store) RepoIDByName(name string) (int64, error) {
	var id int64
	err := s.conn.QueryRow(`SELECT id FROM repos WHERE repo_name = ?`, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repo by name: %w", err)
	}
	return id, nil
}

// Repo fetches a full Repo row by id.
func (s *Store) Repo(repoID int64) (*Repo, error) {
	r := &Repo{}
	err := s.conn.QueryRow(`SELECT id, repo_name, default_run_preference FROM repos WHERE id = ?`, repoID).
		Scan(&r.ID, &r.Name, &r.DefaultRunPreference)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repo %d: %w", repoID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get repo: %w", err)
	}
	return r, nil
}

// AllRepos lists every declared repo.
func (s *Store) AllRepos() ([]*Repo, error) {
	rows, err := s.conn.Query(`SELECT id, repo_name, default_run_preference FROM repos ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var out []*Repo
	for rows.Next() {
		r := &Repo{}
		if err := rows.Scan(&r.ID, &r.Name, &r.DefaultRunPreference); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NewRemote registers a provider mirror of a repo.
func (s *Store) NewRemote(repoID int64, path, api, browseURL, gitURL, notifierConfigPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(
		`INSERT INTO remotes (repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path) VALUES (?, ?, ?, ?, ?, ?)`,
		repoID, path, api, browseURL, gitURL, notifierConfigPath,
	)
	if err != nil {
		return 0, fmt.Errorf("insert remote: %w", err)
	}
	return res.LastInsertId()
}

// Remote fetches a remote by id.
func (s *Store) Remote(remoteID int64) (*Remote, error) {
	r := &Remote{}
	err := s.conn.QueryRow(
		`SELECT id, repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path
		 FROM remotes WHERE id = ?`, remoteID,
	).Scan(&r.ID, &r.RepoID, &r.Path, &r.API, &r.BrowseURL, &r.GitURL, &r.NotifierConfigPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("remote %d: %w", remoteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote: %w", err)
	}
	return r, nil
}

// RemoteByPathAndAPI resolves (api, path) to a Remote, used by the webhook
// ingress to find the remote a push event belongs to.
func (s *Store) RemoteByPathAndAPI(api, path string) (*Remote, error) {
	r := &Remote{}
	err := s.conn.QueryRow(
		`SELECT id, repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path
		 FROM remotes WHERE remote_api = ? AND remote_path = ?`, api, path,
	).Scan(&r.ID, &r.RepoID, &r.Path, &r.API, &r.BrowseURL, &r.GitURL, &r.NotifierConfigPath)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("remote %s:%s: %w", api, path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get remote: %w", err)
	}
	return r, nil
}

// RemotesForRepo lists every remote mirror of a repo.
func (s *Store) RemotesForRepo(repoID int64) ([]*Remote, error) {
	rows, err := s.conn.Query(
		`SELECT id, repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path
		 FROM remotes WHERE repo_id = ?`, repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("remotes for repo: %w", err)
	}
	defer rows.Close()

	var out []*Remote
	for rows.Next() {
		r := &Remote{}
		if err := rows.Scan(&r.ID, &r.RepoID, &r.Path, &r.API, &r.BrowseURL, &r.GitURL, &r.NotifierConfigPath); err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NotifiersByRepo joins a repo's remotes with their notifier config
// paths. Used by the notify consumer to fan a single push's notification
// out to every remote of the owning repo, not just the one that received
// the push.
func (s *Store) NotifiersByRepo(repoID int64) ([]*RemoteNotifier, error) {
	rows, err := s.conn.Query(
		`SELECT id, remote_path, remote_api, notifier_config_path FROM remotes WHERE repo_id = ?`, repoID,
	)
	if err != nil {
		return nil, fmt.Errorf("notifiers for repo %d: %w", repoID, err)
	}
	defer rows.Close()

	var out []*RemoteNotifier
	for rows.Next() {
		rn := &RemoteNotifier{}
		if err := rows.Scan(&rn.RemoteID, &rn.Path, &rn.API, &rn.NotifierConfigPath); err != nil {
			return nil, fmt.Errorf("scan remote notifier: %w", err)
		}
		out = append(out, rn)
	}
	return out, rows.Err()
}

// AllGithubRemotes returns every github-kind remote known to the store,
// used by the webhook ingress to rebuild its PSK set from their
// notifier_config_path files on every request without a restart.
func (s *Store) AllGithubRemotes() ([]*Remote, error) {
	rows, err := s.conn.Query(
		`SELECT id, repo_id, remote_path, remote_api, remote_url, remote_git_url, notifier_config_path
		 FROM remotes WHERE remote_api = 'github'`,
	)
	if err != nil {
		return nil, fmt.Errorf("github remotes: %w", err)
	}
	defer rows.Close()

	var out []*Remote
	for rows.Next() {
		r := &Remote{}
		if err := rows.Scan(&r.ID, &r.RepoID, &r.Path, &r.API, &r.BrowseURL, &r.GitURL, &r.NotifierConfigPath); err != nil {
			return nil, fmt.Errorf("scan remote: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
