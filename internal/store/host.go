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

// RegisterHost upserts a worker's hardware fingerprint. Workers call this
// on every startup; the UNIQUE constraint across the full tuple means a
// machine that reports identical hardware twice gets back the same id
// rather than accumulating duplicate rows.
func (s *Store) RegisterHost(h *Host) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err := s.conn.QueryRow(
		`SELECT id FROM hosts WHERE hostname IS ? AND cpu_vendor_id IS ? AND cpu_model_name IS ?
		 AND cpu_family IS ? AND cpu_model IS ? AND cpu_microcode IS ? AND cpu_cores IS ?
		 AND mem_total IS ? AND arch IS ? AND family IS ? AND os IS ?`,
		h.Hostname, h.CPUVendorID, h.CPUModelName, h.CPUFamily, h.CPUModel, h.CPUMicrocode,
		h.CPUCores, h.MemTotal, h.Arch, h.Family, h.OS,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup host: %w", err)
	}

	res, err := s.conn.Exec(
		`INSERT INTO hosts (hostname, cpu_vendor_id, cpu_model_name, cpu_family, cpu_model,
		 cpu_microcode, cpu_max_freq_khz, cpu_cores, mem_total, arch, family, os)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.Hostname, h.CPUVendorID, h.CPUModelName, h.CPUFamily, h.CPUModel, h.CPUMicrocode,
		h.CPUMaxFreqKHz, h.CPUCores, h.MemTotal, h.Arch, h.Family, h.OS,
	)
	if err != nil {
		return 0, fmt.Errorf("insert host: %w", err)
	}
	return res.LastInsertId()
}

// Host fetches a host by id.
func (s *Store) Host(hostID int64) (*Host, error) {
	h := &Host{ID: hostID}
	err := s.conn.QueryRow(
		`SELECT hostname, cpu_vendor_id, cpu_model_name, cpu_family, cpu_model, cpu_microcode,
		 cpu_max_freq_khz, cpu_cores, mem_total, arch, family, os FROM hosts WHERE id = ?`, hostID,
	).Scan(&h.Hostname, &h.CPUVendorID, &h.CPUModelName, &h.CPUFamily, &h.CPUModel, &h.CPUMicrocode,
		&h.CPUMaxFreqKHz, &h.CPUCores, &h.MemTotal, &h.Arch, &h.Family, &h.OS)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("host %d: %w", hostID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get host: %w", err)
	}
	return h, nil
}

// ActiveHosts lists hosts that have completed at least one run in the given
// lookback window, used to bound HostCoverageSweep to hardware that's
// actually still around rather than every host ever seen.
func (s *Store) ActiveHosts(lookbackSeconds int64) ([]int64, error) {
	cutoff := timeToUnix(nowFunc()) - lookbackSeconds*1000
	rows, err := s.conn.Query(
		`SELECT DISTINCT host_id FROM runs WHERE host_id IS NOT NULL AND complete_time IS NOT NULL AND complete_time >= ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("active hosts: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan host id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// HostCoverageSweep fans out one pinned Run per (job, host) pair that a
// run_preferences="all" job hasn't yet covered, bounded to hosts active
// within lookbackSeconds. Returns the number of runs created.
func (s *Store) HostCoverageSweep(lookbackSeconds int64) (int, error) {
	hosts, err := s.ActiveHosts(lookbackSeconds)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, hostID := range hosts {
		jobIDs, err := s.JobsNeedingHostRun(hostID)
		if err != nil {
			return created, err
		}
		for _, jobID := range jobIDs {
			hp := hostID
			if _, err := s.NewRun(jobID, &hp); err != nil {
				return created, fmt.Errorf("new run for job %d host %d: %w", jobID, hostID, err)
			}
			created++
		}
	}
	return created, nil
}
