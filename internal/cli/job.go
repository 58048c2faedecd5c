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

package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// newJobCmd creates the 'job' command group: list, rerun, rerun-commit,
// create.
func newJobCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "List, rerun or manually create jobs",
	}
	cmd.AddCommand(
		newJobListCmd(a),
		newJobRerunCmd(a),
		newJobRerunCommitCmd(a),
		newJobCreateCmd(a),
	)
	return cmd
}

func newJobListCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every job and its runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			rows, err := ad.JobList()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, "JOB\tRUN\tSTATE\tCOMMIT\tCREATED")
			for _, r := range rows {
				fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\n", r.JobID, r.RunID, r.State, r.CommitID, r.CreatedTime.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}
}

func newJobRerunCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun <job_id>",
		Short: "Queue a fresh run for an existing job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("job_id must be an integer: %w", err)
			}
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			runID, err := ad.JobRerun(jobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued run %d for job %d\n", runID, jobID)
			return nil
		},
	}
}

func newJobRerunCommitCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "rerun-commit <sha>",
		Short: "Queue a fresh run for the job already covering a commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			runID, err := ad.JobRerunCommit(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued run %d for commit %s\n", runID, args[0])
			return nil
		},
	}
}

func newJobCreateCmd(a *App) *cobra.Command {
	var runPreferences string

	cmd := &cobra.Command{
		Use:   "create <remote_kind:repo_path> <sha> <pusher_email>",
		Short: "Manually create a job for a commit, as if a push had arrived",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, path, err := splitRemoteArg(args[0])
			if err != nil {
				return err
			}
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			remote, err := ad.ResolveRemote(api, path)
			if err != nil {
				return err
			}

			var prefs *string
			if runPreferences != "" {
				prefs = &runPreferences
			}

			jobID, err := ad.JobCreate(remote.ID, args[1], args[2], prefs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %d for %s@%s\n", jobID, args[0], args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&runPreferences, "run-preferences", "", "override the repo's default run preference")
	return cmd
}

// splitRemoteArg parses "kind:owner/repo" (e.g. "github:acme/widgets") into
// its api and path components.
func splitRemoteArg(arg string) (api, path string, err error) {
	i := strings.IndexByte(arg, ':')
	if i < 0 {
		return "", "", fmt.Errorf("expected remote_kind:repo_path, got %q", arg)
	}
	return arg[:i], arg[i+1:], nil
}
