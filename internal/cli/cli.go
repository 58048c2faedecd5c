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

// Package cli is the ciadmin command tree: each invocation opens the
// store directly, runs one operation through internal/admin, and exits.
// There is no daemon socket to dial.
package cli

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/codepr/ci-core/internal/admin"
	"github.com/codepr/ci-core/internal/store"
)

// App represents the ciadmin CLI application with all wired dependencies.
type App struct {
	rootCmd       *cobra.Command
	dbPath        string
	configRoot    string
	publicBaseURL string

	version string
	commit  string
	date    string
}

// New creates a new CLI application.
func New() *App {
	app := &App{}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application.
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// SetVersion sets the version string reported by the version command.
func (a *App) SetVersion(version, commit, date string) {
	a.version = version
	a.commit = commit
	a.date = date
}

func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "ciadmin",
		Short: "Administer repos, remotes and jobs for the CI control plane",
		Long: `ciadmin operates directly on the control plane's database:
declaring repos and remotes, listing and rerunning jobs, and validating
notifier configuration. It does not talk to the running daemon.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	a.rootCmd.PersistentFlags().StringVar(&a.dbPath, "db", "ci.db", "path to the control plane database")
	a.rootCmd.PersistentFlags().StringVar(&a.configRoot, "config-root", "config", "directory relative notifier config paths resolve under")
	a.rootCmd.PersistentFlags().StringVar(&a.publicBaseURL, "server-url", "", "this daemon's own public URL, used to bootstrap upstream webhooks (optional)")

	a.rootCmd.AddCommand(
		newAddCmd(a),
		newJobCmd(a),
		newValidateCmd(a),
		newVersionCmd(a),
	)
}

// openAdmin opens the store at the configured path and wraps it in an
// Admin. Callers are responsible for closing the returned Store.
func (a *App) openAdmin() (*admin.Admin, *store.Store, error) {
	s, err := store.Open(a.dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", a.dbPath, err)
	}
	logger := log.New(os.Stderr, "ciadmin: ", log.LstdFlags)
	return admin.New(s, a.publicBaseURL, a.configRoot, logger), s, nil
}

func newVersionCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "ciadmin %s (%s) built %s\n", a.version, a.commit, a.date)
			return nil
		},
	}
}
