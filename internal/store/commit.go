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
)

// EnsureCommit looks up a commit by sha, inserting it if this is the first
// time it's been observed. Commits are immutable and never deleted.
func (s *Store) EnsureCommit(sha string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.conn.QueryRow(`SELECT id FROM commits WHERE sha = ?`, sha).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup commit: %w", err)
	}

	res, err := s.conn.Exec(`INSERT INTO commits (sha) VALUES (?)`, sha)
	if err != nil {
		return 0, fmt.Errorf("insert commit: %w", err)
	}
	return res.LastInsertId()
}

// CommitBySha looks up a commit by its sha without creating it.
func (s *Store) CommitBySha(sha string) (*Commit, error) {
	c := &Commit{}
	err := s.conn.QueryRow(`SELECT id, sha FROM commits WHERE sha = ?`, sha).Scan(&c.ID, &c.Sha)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("commit %s: %w", sha, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commit by sha: %w", err)
	}
	return c, nil
}

// Commit fetches a commit by id.
func (s *Store) Commit(commitID int64) (*Commit, error) {
	c := &Commit{}
	err := s.conn.QueryRow(`SELECT id, sha FROM commits WHERE id = ?`, commitID).Scan(&c.ID, &c.Sha)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("commit %d: %w", commitID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commit: %w", err)
	}
	return c, nil
}

// JobForRemoteCommit returns the job already covering (remoteID,
// commitID), or (nil, nil) if none exists yet. Used by the event
// processor to implement the job-dedup invariant ahead of the UNIQUE
// index doing it for free.
func (s *Store) JobForRemoteCommit(remoteID, commitID int64) (*Job, error) {
	row := s.conn.QueryRow(
		`SELECT id, remote_id, commit_id, created_time, source, run_preferences
		 FROM jobs WHERE remote_id = ? AND commit_id = ?`, remoteID, commitID,
	)
	return scanOptionalJob(row)
}

// JobForCommit resolves a sha to the job covering it, joining through the
// commits table. Returns (nil, nil) if the commit is unknown or no job
// covers it yet.
func (s *Store) JobForCommit(sha string) (*Job, error) {
	row := s.conn.QueryRow(
		`SELECT jobs.id, jobs.remote_id, jobs.commit_id, jobs.created_time, jobs.source, jobs.run_preferences
		 FROM jobs JOIN commits ON commits.id = jobs.commit_id
		 WHERE commits.sha = ? LIMIT 1`, sha,
	)
	return scanOptionalJob(row)
}

func scanOptionalJob(row *sql.Row) (*Job, error) {
	j := &Job{}
	var source sql.NullString
	var runPrefs sql.NullString
	var created int64
	err := row.Scan(&j.ID, &j.RemoteID, &j.CommitID, &created, &source, &runPrefs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("job for commit: %w", err)
	}
	j.CreatedTime = unixToTime(created)
	if source.Valid {
		j.Source = &source.String
	}
	if runPrefs.Valid {
		j.RunPreferences = &runPrefs.String
	}
	return j, nil
}

// NamesForCommit lists every CommitName ever recorded against a commit,
// freshest first.
func (s *Store) NamesForCommit(commitID int64) ([]*CommitName, error) {
	rows, err := s.conn.Query(
		`SELECT id, commit_id, name, name_state FROM commit_names
		 WHERE commit_id = ? ORDER BY name_state ASC, id DESC`, commitID,
	)
	if err != nil {
		return nil, fmt.Errorf("names for commit: %w", err)
	}
	defer rows.Close()

	var out []*CommitName
	for rows.Next() {
		cn := &CommitName{}
		var rawState int
		if err := rows.Scan(&cn.ID, &cn.CommitID, &cn.Name, &rawState); err != nil {
			return nil, fmt.Errorf("scan commit name: %w", err)
		}
		state, err := NameStateFromInt(rawState)
		if err != nil {
			return nil, err
		}
		cn.State = state
		out = append(out, cn)
	}
	return out, rows.Err()
}

// RecordCommitName attaches name to commitID. If name was already attached
// to a different, older commit on the same ref (tracked by the caller
// passing that prior CommitName's id in staleID), that row is marked Stale
// before the new Fresh row is inserted. Refs move, names don't get
// deleted.
func (s *Store) RecordCommitName(commitID int64, name string, staleID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if staleID != 0 {
		if _, err := tx.Exec(`UPDATE commit_names SET name_state = ? WHERE id = ?`, int(NameStale), staleID); err != nil {
			return 0, fmt.Errorf("mark stale: %w", err)
		}
	}

	res, err := tx.Exec(
		`INSERT INTO commit_names (commit_id, name, name_state) VALUES (?, ?, ?)`,
		commitID, name, int(NameFresh),
	)
	if err != nil {
		return 0, fmt.Errorf("insert commit name: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// LatestNameForRef finds the current Fresh CommitName carrying ref (e.g.
// "refs/heads/main") across all commits, so the event processor can decide
// whether a push moves an existing ref forward (and must mark it stale) or
// introduces it for the first time.
func (s *Store) LatestNameForRef(ref string) (*CommitName, error) {
	cn := &CommitName{}
	var rawState int
	err := s.conn.QueryRow(
		`SELECT id, commit_id, name, name_state FROM commit_names
		 WHERE name = ? AND name_state = ? ORDER BY id DESC LIMIT 1`, ref, int(NameFresh),
	).Scan(&cn.ID, &cn.CommitID, &cn.Name, &rawState)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest name for ref: %w", err)
	}
	state, err := NameStateFromInt(rawState)
	if err != nil {
		return nil, err
	}
	cn.State = state
	return cn, nil
}
