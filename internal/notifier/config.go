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

// Package notifier posts job/run status updates to the place a commit came
// from: a GitHub commit status for github-hosted remotes, or an email for
// remotes that only want a human told.
package notifier

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is one remote's notifier configuration. Exactly one of GitHub or
// Email is set, chosen by an explicit "kind" field when the JSON document
// has one and otherwise by which fields are present, mirroring the two
// shapes a remote's notifier_config_path file can take.
type Config struct {
	GitHub *GitHubConfig
	Email  *EmailConfig
}

// GitHubConfig authenticates posts to the GitHub commit-status API.
type GitHubConfig struct {
	CIServer     string `json:"ci_server"`
	Token        string `json:"token"`
	WebhookToken string `json:"webhook_token"`
}

// EmailConfig authenticates posts to an SMTP relay.
type EmailConfig struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	MailServer string `json:"mailserver"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// UnmarshalJSON prefers an explicit "kind" field ("github" or "email") for
// new configs; absent that, it falls back to inferring the shape from
// which fields are present, the legacy untagged format older configs
// ship in.
func (c *Config) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("notifier config: %w", err)
	}

	if rawKind, ok := probe["kind"]; ok {
		var kind string
		if err := json.Unmarshal(rawKind, &kind); err != nil {
			return fmt.Errorf("notifier config: kind field: %w", err)
		}
		switch kind {
		case "github":
			gh := &GitHubConfig{}
			if err := json.Unmarshal(data, gh); err != nil {
				return fmt.Errorf("github notifier config: %w", err)
			}
			c.GitHub = gh
			return nil
		case "email":
			em := &EmailConfig{}
			if err := json.Unmarshal(data, em); err != nil {
				return fmt.Errorf("email notifier config: %w", err)
			}
			c.Email = em
			return nil
		default:
			return fmt.Errorf("notifier config: unrecognized kind %q", kind)
		}
	}

	_, hasToken := probe["token"]
	_, hasServer := probe["mailserver"]

	switch {
	case hasToken && !hasServer:
		gh := &GitHubConfig{}
		if err := json.Unmarshal(data, gh); err != nil {
			return fmt.Errorf("github notifier config: %w", err)
		}
		c.GitHub = gh
		return nil
	case hasServer && !hasToken:
		em := &EmailConfig{}
		if err := json.Unmarshal(data, em); err != nil {
			return fmt.Errorf("email notifier config: %w", err)
		}
		c.Email = em
		return nil
	default:
		return fmt.Errorf("notifier config: cannot determine kind from fields present")
	}
}

// MarshalJSON re-emits whichever of GitHub/Email is set, tagged with an
// explicit "kind" field so the result round-trips back through
// UnmarshalJSON. Configs loaded by LoadConfig are never written back by
// this repo; this exists so a Config built or modified in-process (e.g. by
// a future admin "config set" operation) doesn't silently produce a
// document neither branch of UnmarshalJSON can parse.
func (c *Config) MarshalJSON() ([]byte, error) {
	switch {
	case c.GitHub != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*GitHubConfig
		}{Kind: "github", GitHubConfig: c.GitHub})
	case c.Email != nil:
		return json.Marshal(struct {
			Kind string `json:"kind"`
			*EmailConfig
		}{Kind: "email", EmailConfig: c.Email})
	default:
		return nil, fmt.Errorf("notifier config: neither github nor email is set")
	}
}

// ResolveConfigPath anchors a remote's notifier_config_path under the
// configured config root. Absolute paths pass through untouched so an
// operator can point a single remote somewhere outside the root.
func ResolveConfigPath(root, path string) string {
	if root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// LoadConfig reads and parses a notifier config file. A malformed or
// ambiguous file is a configuration error, not a runtime one: it's
// reported at load time rather than deferred to the first notify attempt.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notifier config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse notifier config %s: %w", path, err)
	}
	return cfg, nil
}

// WebhookTokenFor loads path and returns its github-shaped webhook_token,
// the PSK the webhook ingress accepts for the remote backed by this
// config. Used to assemble the ingress's accepted-signature set without
// handing the whole Config type to callers that only need the one field.
func WebhookTokenFor(path string) (string, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return "", err
	}
	if cfg.GitHub == nil {
		return "", fmt.Errorf("notifier config %s: not a github-shaped config", path)
	}
	return cfg.GitHub.WebhookToken, nil
}
