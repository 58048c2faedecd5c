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

// Package githubapi wraps the subset of the GitHub REST API the control
// plane needs: posting commit statuses and making sure a remote's webhook
// is actually registered. Built on go-github rather than hand-rolled
// HTTP, the way the rest of the ecosystem wires a GitHub client.
package githubapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/go-github/v32/github"
	"golang.org/x/oauth2"
)

const userAgent = "ci-core"

// Client talks to a GitHub-compatible API root (github.com or a GitHub
// Enterprise server, per the remote's ci_server).
type Client struct {
	gh     *github.Client
	server string
}

// New builds a Client bound to one remote's API server and token. The
// token is wrapped in an oauth2.Transport so every request carries the
// bearer header without each call site having to set it by hand.
func New(server, token string) *Client {
	httpClient := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &oauth2.Transport{
			Base:   http.DefaultTransport,
			Source: oauth2.ReuseTokenSource(nil, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})),
		},
	}
	gh := github.NewClient(httpClient)
	gh.UserAgent = userAgent
	if server != "" && server != "github.com" {
		gh.BaseURL = mustParseEnterpriseURL(server)
	}
	return &Client{gh: gh, server: server}
}

// CommitState is the state field of a GitHub commit status.
type CommitState string

const (
	StatePending CommitState = "pending"
	StateSuccess CommitState = "success"
	StateFailure CommitState = "failure"
	StateError   CommitState = "error"
)

// PostCommitStatus posts a status against a commit sha on "owner/repo".
func (c *Client) PostCommitStatus(ctx context.Context, path, sha string, state CommitState, targetURL, description string) error {
	owner, repo, err := splitPath(path)
	if err != nil {
		return err
	}

	status := &github.RepoStatus{
		State:       github.String(string(state)),
		TargetURL:   github.String(targetURL),
		Description: github.String(description),
		Context:     github.String("ci"),
	}

	_, resp, err := c.gh.Repositories.CreateStatus(ctx, owner, repo, sha, status)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("post commit status: upstream returned %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("post commit status: %w", err)
	}
	return nil
}

// EnsureWebhook checks whether path already has a push webhook registered
// for our callback URL, creating one if not. Best effort: a failure here
// is logged by the caller and reported as a warning, never failing the
// add-remote operation, since an operator may have already wired the
// webhook manually.
func (c *Client) EnsureWebhook(ctx context.Context, path, callbackURL, secret string) error {
	owner, repo, err := splitPath(path)
	if err != nil {
		return err
	}

	hooks, resp, err := c.gh.Repositories.ListHooks(ctx, owner, repo, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("list webhooks: upstream returned %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("list webhooks: %w", err)
	}
	for _, h := range hooks {
		if h.Config != nil {
			if url, ok := h.Config["url"].(string); ok && url == callbackURL {
				return nil
			}
		}
	}

	hook := &github.Hook{
		Active: github.Bool(true),
		Events: []string{"push"},
		Config: map[string]interface{}{
			"url":          callbackURL,
			"content_type": "json",
			"secret":       secret,
		},
	}
	_, resp, err = c.gh.Repositories.CreateHook(ctx, owner, repo, hook)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("create webhook: upstream returned %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

func splitPath(path string) (owner, repo string, err error) {
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("remote path %q: expected owner/repo", path)
}

func mustParseEnterpriseURL(server string) *url.URL {
	u, err := url.Parse("https://" + server + "/api/v3/")
	if err != nil {
		return nil
	}
	return u
}
