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

package notifier

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/codepr/ci-core/internal/githubapi"
)

// JobStatus is the three-way status a notifier reports: StatusPending for
// a newly queued job, StatusSuccess or StatusFailure for a run's terminal
// result.
type JobStatus int

const (
	StatusPending JobStatus = iota
	StatusSuccess
	StatusFailure
)

// RemoteNotifier sends status updates to wherever a remote's commits came
// from.
type RemoteNotifier interface {
	// TellPendingJob announces that a job has been queued for path/sha.
	TellPendingJob(ctx context.Context, path, sha, targetURL string) error
	// TellJobStatus announces a run's terminal status for path/sha.
	TellJobStatus(ctx context.Context, path, sha string, status JobStatus, targetURL, description string) error
}

// NewRemoteNotifier builds the concrete notifier implied by cfg's shape.
func NewRemoteNotifier(cfg *Config) (RemoteNotifier, error) {
	switch {
	case cfg.GitHub != nil:
		return &githubNotifier{client: githubapi.New(cfg.GitHub.CIServer, cfg.GitHub.Token)}, nil
	case cfg.Email != nil:
		return &emailNotifier{cfg: cfg.Email}, nil
	default:
		return nil, fmt.Errorf("notifier config has neither github nor email shape")
	}
}

type githubNotifier struct {
	client *githubapi.Client
}

func (g *githubNotifier) TellPendingJob(ctx context.Context, path, sha, targetURL string) error {
	return g.client.PostCommitStatus(ctx, path, sha, githubapi.StatePending, targetURL, "build queued")
}

func (g *githubNotifier) TellJobStatus(ctx context.Context, path, sha string, status JobStatus, targetURL, description string) error {
	state := githubapi.StateError
	switch status {
	case StatusSuccess:
		state = githubapi.StateSuccess
	case StatusFailure:
		state = githubapi.StateFailure
	}
	return g.client.PostCommitStatus(ctx, path, sha, state, targetURL, description)
}

// emailNotifier sends a plaintext summary over SMTP.
type emailNotifier struct {
	cfg *EmailConfig
}

func (e *emailNotifier) TellPendingJob(ctx context.Context, path, sha, targetURL string) error {
	return e.send(fmt.Sprintf("CI queued: %s@%s", path, shortSha(sha)),
		fmt.Sprintf("A build has been queued for %s at %s\n\n%s\n", path, sha, targetURL))
}

func (e *emailNotifier) TellJobStatus(ctx context.Context, path, sha string, status JobStatus, targetURL, description string) error {
	label := "error"
	switch status {
	case StatusSuccess:
		label = "success"
	case StatusFailure:
		label = "failure"
	}
	return e.send(fmt.Sprintf("CI %s: %s@%s", label, path, shortSha(sha)),
		fmt.Sprintf("%s\n\n%s\n", description, targetURL))
}

func (e *emailNotifier) send(subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s", e.cfg.From, e.cfg.To, subject, body)
	auth := smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.MailServer)
	addr := e.cfg.MailServer + ":587"
	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{e.cfg.To}, []byte(msg)); err != nil {
		return fmt.Errorf("send notification email: %w", err)
	}
	return nil
}

func shortSha(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

// Registry builds a RemoteNotifier for a remote's notifier_config_path,
// resolved under the config root. It holds no other state: every call to
// For rereads and reparses the config file, so rotating a remote's
// webhook_token or switching it between github/email shape takes effect
// on the very next resolution, no server restart required.
type Registry struct {
	root string
}

func NewRegistry(configRoot string) *Registry {
	return &Registry{root: configRoot}
}

// For loads configPath fresh and returns the notifier implied by its
// shape.
func (r *Registry) For(configPath string) (RemoteNotifier, error) {
	resolved := ResolveConfigPath(r.root, configPath)
	cfg, err := LoadConfig(resolved)
	if err != nil {
		return nil, err
	}
	n, err := NewRemoteNotifier(cfg)
	if err != nil {
		return nil, fmt.Errorf("notifier for %s: %w", resolved, err)
	}
	return n, nil
}

// WebhookToken resolves configPath under the registry's root and returns
// its github-shaped webhook_token, the form the webhook ingress wants its
// PSK loader in.
func (r *Registry) WebhookToken(configPath string) (string, error) {
	return WebhookTokenFor(ResolveConfigPath(r.root, configPath))
}
