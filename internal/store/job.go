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

// NewJob creates a job for (remoteID, commitID). Returns ErrDuplicate if a
// job for that pair already exists; the unique index job_per_remote_commit
// is the actual source of truth, this call just turns its violation into
// ErrDuplicate instead of a raw driver error. NewJob does not create a
// run: callers seed the initial Pending run via NewRun after a successful
// NewJob.
func (s *Store) NewJob(remoteID, commitID int64, source string, runPreferences *string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var srcArg interface{}
	if source != "" {
		srcArg = source
	}
	res, err := s.conn.Exec(
		`INSERT INTO jobs (source, created_time, remote_id, commit_id, run_preferences) VALUES (?, ?, ?, ?, ?)`,
		srcArg, timeToUnix(nowFunc()), remoteID, commitID, runPreferences,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("job for remote %d commit %d: %w", remoteID, commitID, ErrDuplicate)
		}
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return res.LastInsertId()
}

// Job fetches a job by id.
func (s *Store) Job(jobID int64) (*Job, error) {
	j := &Job{}
	var source sql.NullString
	var runPrefs sql.NullString
	var created int64
	err := s.conn.QueryRow(
		`SELECT id, remote_id, commit_id, created_time, source, run_preferences FROM jobs WHERE id = ?`, jobID,
	).Scan(&j.ID, &j.RemoteID, &j.CommitID, &created, &source, &runPrefs)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %d: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
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

// AllRunsWithJobInfo is the flattened job+run projection used by the admin
// `job list` command, ordered oldest run first.
func (s *Store) AllRunsWithJobInfo() ([]*JobWithRun, error) {
	rows, err := s.conn.Query(
		`SELECT jobs.id, runs.id, runs.state, jobs.created_time, jobs.commit_id, jobs.run_preferences
		 FROM jobs JOIN runs ON runs.job_id = jobs.id
		 ORDER BY runs.created_time ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs with job info: %w", err)
	}
	defer rows.Close()

	var out []*JobWithRun
	for rows.Next() {
		jr := &JobWithRun{}
		var rawState int
		var created int64
		var runPrefs sql.NullString
		if err := rows.Scan(&jr.JobID, &jr.RunID, &rawState, &created, &jr.CommitID, &runPrefs); err != nil {
			return nil, fmt.Errorf("scan job/run: %w", err)
		}
		state, err := RunStateFromInt(rawState)
		if err != nil {
			return nil, err
		}
		jr.State = state
		jr.CreatedTime = unixToTime(created)
		if runPrefs.Valid {
			jr.RunPreferences = &runPrefs.String
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

// JobsNeedingHostRun lists jobs whose run_preferences is "all" and that
// have not yet produced a run for hostID. Used by HostCoverageSweep. A
// still-pending run pinned to the host counts as coverage: it has no
// host_id yet, but queueing another alongside it would just double up
// every sweep tick until the host claims one.
func (s *Store) JobsNeedingHostRun(hostID int64) ([]int64, error) {
	rows, err := s.conn.Query(
		`SELECT jobs.id FROM jobs
		 WHERE jobs.run_preferences = 'all'
		 AND NOT EXISTS (
			SELECT 1 FROM runs WHERE runs.job_id = jobs.id
			AND (runs.host_id = ? OR runs.host_preference = ?)
		 )`, hostID, hostID,
	)
	if err != nil {
		return nil, fmt.Errorf("jobs needing host run: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
