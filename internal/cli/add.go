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

	"github.com/spf13/cobra"
)

// newAddCmd creates the 'add' command group: add repo, add remote.
func newAddCmd(a *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Declare a repo or remote",
	}
	cmd.AddCommand(newAddRepoCmd(a), newAddRemoteCmd(a))
	return cmd
}

func newAddRepoCmd(a *App) *cobra.Command {
	return &cobra.Command{
		Use:   "repo <name> [remote remote_kind config]",
		Short: "Declare a new repo, optionally attaching its first remote",
		Args:  cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 4 {
				return fmt.Errorf("remote, remote_kind and config must be provided together or not at all")
			}
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := ad.AddRepo(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created repo %q (id %d)\n", args[0], id)

			if len(args) == 4 {
				remoteID, warning, err := ad.AddRemote(args[0], args[1], args[2], "", "", args[3])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created remote %q on %q (id %d)\n", args[1], args[0], remoteID)
				if warning != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
				}
			}
			return nil
		},
	}
}

func newAddRemoteCmd(a *App) *cobra.Command {
	var path, api, browseURL, gitURL, notifierConfigPath string

	cmd := &cobra.Command{
		Use:   "remote <repo-name>",
		Short: "Attach a provider mirror to a repo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ad, s, err := a.openAdmin()
			if err != nil {
				return err
			}
			defer s.Close()

			id, warning, err := ad.AddRemote(args[0], path, api, browseURL, gitURL, notifierConfigPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created remote %q on %q (id %d)\n", path, args[0], id)
			if warning != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "warning: %s\n", warning)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "owner/repo path on the remote")
	cmd.Flags().StringVar(&api, "api", "github", "remote API kind (github)")
	cmd.Flags().StringVar(&browseURL, "browse-url", "", "human browse URL")
	cmd.Flags().StringVar(&gitURL, "git-url", "", "git clone URL")
	cmd.Flags().StringVar(&notifierConfigPath, "notifier-config", "", "path to the notifier config file")
	cmd.MarkFlagRequired("path")
	cmd.MarkFlagRequired("notifier-config")

	return cmd
}
