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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewRun creates a Pending run for an existing job, used to seed a new
// job's initial run, by admin rerun operations, and by HostCoverageSweep
// when a job's run_preferences is "all" and a newly-seen host hasn't
// covered it yet.
// hostPreference pins the run to a specific host id; pass nil to leave it
// open to any claimant.
func (s *Store) NewRun(jobID int64, hostPreference *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(
		`INSERT INTO runs (job_id, state, created_time, host_preference) VALUES (?, ?, ?, ?)`,
		jobID, int(RunPending), timeToUnix(nowFunc()), hostPreference,
	)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return res.LastInsertId()
}

// Run fetches a run by id.
func (s *Store) Run(runID int64) (*Run, error) {
	r, err := s.scanRun(s.conn.QueryRow(runRowColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return r, err
}

const runRowColumns = `SELECT id, job_id, artifacts_path, state, host_id, host_preference,
	build_token, created_time, started_time, complete_time, run_timeout, build_result, final_status`

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so one scanner
// covers the single-row and iterating query shapes.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scanRun(row rowScanner) (*Run, error) {
	r := &Run{}
	var artifactsPath, buildToken, finalStatus sql.NullString
	var rawState int
	var hostID, hostPreference, runTimeout, buildResult sql.NullInt64
	var created int64
	var started, complete sql.NullInt64

	err := row.Scan(
		&r.ID, &r.JobID, &artifactsPath, &rawState, &hostID, &hostPreference,
		&buildToken, &created, &started, &complete, &runTimeout, &buildResult, &finalStatus,
	)
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	state, err := RunStateFromInt(rawState)
	if err != nil {
		return nil, err
	}
	r.State = state
	r.CreateTime = unixToTime(created)
	if artifactsPath.Valid {
		r.ArtifactsPath = &artifactsPath.String
	}
	if buildToken.Valid {
		r.BuildToken = &buildToken.String
	}
	if finalStatus.Valid {
		r.FinalText = &finalStatus.String
	}
	if hostID.Valid {
		r.HostID = &hostID.Int64
	}
	if hostPreference.Valid {
		r.HostPreference = &hostPreference.Int64
	}
	r.StartTime = nullableUnixToTime(started)
	r.CompleteTime = nullableUnixToTime(complete)
	if runTimeout.Valid {
		d := time.Duration(runTimeout.Int64) * time.Millisecond
		r.RunTimeout = &d
	}
	if buildResult.Valid {
		br := BuildResult(buildResult.Int64)
		r.BuildResult = &br
	}
	return r, nil
}

// ClaimPendingRun atomically assigns the oldest Pending run that either has
// no host_preference or prefers hostID to hostID, transitions it to
// Started, mints a fresh build token, and returns it. Returns
// ErrNoRunnersAvailable if nothing matches.
//
// The claim is race-safe across concurrent workers because the UPDATE's
// WHERE clause re-checks state = Pending: only the worker whose UPDATE
// actually flips a row (rows affected == 1) wins that run; a loser simply
// falls through to ErrNoRunnersAvailable or the next candidate.
func (s *Store) ClaimPendingRun(hostID int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT id FROM runs
		 WHERE state = ? AND (host_preference IS NULL OR host_preference = ?)
		 ORDER BY created_time ASC`,
		int(RunPending), hostID,
	)
	if err != nil {
		return nil, fmt.Errorf("find pending runs: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	now := timeToUnix(nowFunc())
	for _, id := range candidates {
		res, err := s.conn.Exec(
			`UPDATE runs SET state = ?, host_id = ?, build_token = ?, started_time = ?
			 WHERE id = ? AND state = ?`,
			int(RunStarted), hostID, token, now, id, int(RunPending),
		)
		if err != nil {
			return nil, fmt.Errorf("claim run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 1 {
			return s.Run(id)
		}
	}
	return nil, ErrNoRunnersAvailable
}

// FinishRun transitions a Started run to Finished or Error after
// verifying the worker's build token. Returns ErrTokenInvalid if token
// doesn't match the run's assigned token, ErrStateInvalid if the run isn't
// Started.
func (s *Store) FinishRun(runID int64, token string, result BuildResult, finalText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.Run(runID)
	if err != nil {
		return err
	}
	if run.BuildToken == nil || *run.BuildToken != token {
		return fmt.Errorf("run %d: %w", runID, ErrTokenInvalid)
	}
	if run.State != RunStarted {
		return fmt.Errorf("run %d in state %s: %w", runID, run.State, ErrStateInvalid)
	}

	finalState := RunFinished
	if result == ResultFail {
		finalState = RunError
	}
	_, err = s.conn.Exec(
		`UPDATE runs SET state = ?, build_result = ?, complete_time = ?, final_status = ? WHERE id = ?`,
		int(finalState), int(result), timeToUnix(nowFunc()), finalText, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// RecordMetric upserts a (run, name) -> value datum, verifying token.
// Idempotent: resubmitting the same metric name overwrites the value
// rather than duplicating the row, per the metrics_by_run_name unique
// index.
func (s *Store) RecordMetric(runID int64, token, name, value string) error {
	if err := s.verifyRunToken(runID, token); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(
		`INSERT INTO metrics (run_id, name, value) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET value = excluded.value`,
		runID, name, value,
	)
	if err != nil {
		return fmt.Errorf("record metric: %w", err)
	}
	return nil
}

// MetricsForRun lists every metric recorded against a run.
func (s *Store) MetricsForRun(runID int64) ([]*Metric, error) {
	rows, err := s.conn.Query(`SELECT id, run_id, name, value FROM metrics WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("metrics for run: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		m := &Metric{}
		if err := rows.Scan(&m.ID, &m.RunID, &m.Name, &m.Value); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CreateArtifact registers a named artifact stream belonging to a run,
// verifying token.
func (s *Store) CreateArtifact(runID int64, token, name, desc string) (int64, error) {
	if err := s.verifyRunToken(runID, token); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.conn.Exec(
		`INSERT INTO artifacts (run_id, name, desc, created_time) VALUES (?, ?, ?, ?)`,
		runID, name, desc, timeToUnix(nowFunc()),
	)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	return res.LastInsertId()
}

// CompleteArtifact marks an artifact's upload finished, verifying token
// against the artifact's owning run.
func (s *Store) CompleteArtifact(artifactID int64, token string) error {
	var runID int64
	if err := s.conn.QueryRow(`SELECT run_id FROM artifacts WHERE id = ?`, artifactID).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("artifact %d: %w", artifactID, ErrNotFound)
		}
		return fmt.Errorf("lookup artifact: %w", err)
	}
	if err := s.verifyRunToken(runID, token); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.conn.Exec(`UPDATE artifacts SET completed_time = ? WHERE id = ?`, timeToUnix(nowFunc()), artifactID)
	if err != nil {
		return fmt.Errorf("complete artifact: %w", err)
	}
	return nil
}

// ArtifactsForRun lists every artifact registered against a run.
func (s *Store) ArtifactsForRun(runID int64) ([]*Artifact, error) {
	rows, err := s.conn.Query(
		`SELECT id, run_id, name, desc, created_time, completed_time FROM artifacts WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("artifacts for run: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		var created int64
		var completed sql.NullInt64
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Desc, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.CreatedTime = unixToTime(created)
		a.CompletedTime = nullableUnixToTime(completed)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) verifyRunToken(runID int64, token string) error {
	run, err := s.Run(runID)
	if err != nil {
		return err
	}
	if run.BuildToken == nil || *run.BuildToken != token {
		return fmt.Errorf("run %d: %w", runID, ErrTokenInvalid)
	}
	return nil
}

// RunsForJob lists every run (across reruns) belonging to a job.
func (s *Store) RunsForJob(jobID int64) ([]*Run, error) {
	rows, err := s.conn.Query(runRowColumns+` FROM runs WHERE job_id = ? ORDER BY created_time ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("runs for job: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SweepExpiredRuns transitions any Pending run that was never claimed
// before its run_timeout elapsed, measured from create_time, into
// Invalid. Runs with no timeout set are never swept. Returns the number
// of runs transitioned.
func (s *Store) SweepExpiredRuns() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := timeToUnix(nowFunc())
	res, err := s.conn.Exec(
		`UPDATE runs SET state = ?
		 WHERE state = ? AND run_timeout IS NOT NULL
		 AND (created_time + run_timeout) < ?`,
		int(RunInvalid), int(RunPending), now,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep expired runs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
