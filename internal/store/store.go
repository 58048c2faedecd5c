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
	"sync"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite connection backing the whole control plane. All
// write paths serialize through mu so that one store method's writes are
// never interleaved with another writer's half-finished transaction; the
// store is the system's single serialization point. mu is held per
// method call, not across calls: a sequence such as "ensure commit, then
// create job if absent" relies on the unique indexes (e.g.
// job_per_remote_commit) rather than on mu to stay duplicate-free.
// Readers do not take mu: SQLite's own MVCC (WAL mode) lets them run
// concurrently with a writer.
type Store struct {
	conn *sql.DB
	mu   sync.Mutex
}

// Open creates or opens a SQLite database at path, enables WAL mode and
// foreign keys, and runs migrations.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}

// migrate creates the schema. Append-only: future changes must only add
// nullable columns.
func (s *Store) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS repos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_name TEXT NOT NULL,
	default_run_preference TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS repo_names ON repos(repo_name);

CREATE TABLE IF NOT EXISTS remotes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repo_id INTEGER NOT NULL,
	remote_path TEXT NOT NULL,
	remote_api TEXT NOT NULL,
	remote_url TEXT,
	remote_git_url TEXT,
	notifier_config_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS repo_to_remote ON remotes(repo_id);

CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	sha TEXT UNIQUE NOT NULL
);

CREATE TABLE IF NOT EXISTS commit_names (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	commit_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	name_state INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS names_by_commit ON commit_names(commit_id);

CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT,
	created_time INTEGER NOT NULL,
	remote_id INTEGER NOT NULL,
	commit_id INTEGER NOT NULL,
	run_preferences TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS job_per_remote_commit ON jobs(remote_id, commit_id);

CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id INTEGER NOT NULL,
	artifacts_path TEXT,
	state INTEGER NOT NULL,
	host_id INTEGER,
	host_preference INTEGER,
	build_token TEXT,
	created_time INTEGER NOT NULL,
	started_time INTEGER,
	complete_time INTEGER,
	run_timeout INTEGER,
	build_result INTEGER,
	final_status TEXT
);
CREATE INDEX IF NOT EXISTS runs_by_job ON runs(job_id);
CREATE INDEX IF NOT EXISTS runs_by_state ON runs(state);

CREATE TABLE IF NOT EXISTS metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	value TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS metrics_by_run_name ON metrics(run_id, name);

CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	desc TEXT,
	created_time INTEGER NOT NULL,
	completed_time INTEGER
);
CREATE INDEX IF NOT EXISTS artifacts_by_run ON artifacts(run_id);

CREATE TABLE IF NOT EXISTS hosts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname TEXT,
	cpu_vendor_id TEXT,
	cpu_model_name TEXT,
	cpu_family TEXT,
	cpu_model TEXT,
	cpu_microcode TEXT,
	cpu_max_freq_khz INTEGER,
	cpu_cores INTEGER,
	mem_total TEXT,
	arch TEXT,
	family TEXT,
	os TEXT,
	UNIQUE(hostname, cpu_vendor_id, cpu_model_name, cpu_family, cpu_model, cpu_microcode, cpu_cores, mem_total, arch, family, os)
);
`
	_, err := s.conn.Exec(schema)
	return err
}
