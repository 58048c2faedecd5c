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
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifier.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigGitHubShape(t *testing.T) {
	path := writeConfig(t, `{"ci_server":"github.com","token":"abc123","webhook_token":"shh"}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GitHub == nil {
		t.Fatal("expected github config")
	}
	if cfg.Email != nil {
		t.Fatal("did not expect email config")
	}
	if cfg.GitHub.Token != "abc123" {
		t.Fatalf("unexpected token: %s", cfg.GitHub.Token)
	}
}

func TestLoadConfigEmailShape(t *testing.T) {
	path := writeConfig(t, `{"username":"bot","password":"hunter2","mailserver":"smtp.example.com","from":"ci@example.com","to":"oncall@example.com"}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Email == nil {
		t.Fatal("expected email config")
	}
	if cfg.GitHub != nil {
		t.Fatal("did not expect github config")
	}
}

func TestLoadConfigAmbiguousShapeFails(t *testing.T) {
	path := writeConfig(t, `{"something":"else"}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for an unrecognized config shape")
	}
}

func TestConfigMarshalJSONRoundTrips(t *testing.T) {
	original := &Config{GitHub: &GitHubConfig{CIServer: "github.com", Token: "abc123", WebhookToken: "shh"}}
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Config
	if err := json.Unmarshal(data, &roundTripped); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if roundTripped.GitHub == nil || *roundTripped.GitHub != *original.GitHub {
		t.Fatalf("expected github config to round-trip, got %+v", roundTripped.GitHub)
	}
	if roundTripped.Email != nil {
		t.Fatal("did not expect email config")
	}

	original2 := &Config{Email: &EmailConfig{Username: "bot", MailServer: "smtp.example.com", From: "a@example.com", To: "b@example.com"}}
	data2, err := json.Marshal(original2)
	if err != nil {
		t.Fatalf("marshal email: %v", err)
	}
	var roundTripped2 Config
	if err := json.Unmarshal(data2, &roundTripped2); err != nil {
		t.Fatalf("unmarshal email: %v", err)
	}
	if roundTripped2.Email == nil || *roundTripped2.Email != *original2.Email {
		t.Fatalf("expected email config to round-trip, got %+v", roundTripped2.Email)
	}
}

func TestNewRemoteNotifierDispatchesByShape(t *testing.T) {
	n, err := NewRemoteNotifier(&Config{GitHub: &GitHubConfig{CIServer: "github.com", Token: "t"}})
	if err != nil {
		t.Fatalf("new github notifier: %v", err)
	}
	if _, ok := n.(*githubNotifier); !ok {
		t.Fatalf("expected *githubNotifier, got %T", n)
	}

	n, err = NewRemoteNotifier(&Config{Email: &EmailConfig{MailServer: "smtp.example.com"}})
	if err != nil {
		t.Fatalf("new email notifier: %v", err)
	}
	if _, ok := n.(*emailNotifier); !ok {
		t.Fatalf("expected *emailNotifier, got %T", n)
	}
}

func TestRegistryRereadsConfigOnEveryResolution(t *testing.T) {
	path := writeConfig(t, `{"ci_server":"github.com","token":"abc123","webhook_token":"shh"}`)
	reg := NewRegistry("")

	first, err := reg.For(path)
	if err != nil {
		t.Fatalf("first lookup: %v", err)
	}
	if _, ok := first.(*githubNotifier); !ok {
		t.Fatalf("expected *githubNotifier, got %T", first)
	}

	// Rotating webhook_token (or even switching shape entirely) must take
	// effect on the next resolution without restarting anything.
	if err := os.WriteFile(path, []byte(`{"username":"bot","password":"x","mailserver":"smtp.example.com","from":"a@example.com","to":"b@example.com"}`), 0o600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	second, err := reg.For(path)
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if _, ok := second.(*emailNotifier); !ok {
		t.Fatalf("expected the registry to pick up the rewritten config, got %T", second)
	}
}

func TestRegistryResolvesRelativePathsUnderRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "acme.json"),
		[]byte(`{"ci_server":"github.com","token":"abc123","webhook_token":"shh"}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	reg := NewRegistry(root)

	if _, err := reg.For("acme.json"); err != nil {
		t.Fatalf("relative lookup under root: %v", err)
	}

	token, err := reg.WebhookToken("acme.json")
	if err != nil {
		t.Fatalf("webhook token: %v", err)
	}
	if token != "shh" {
		t.Fatalf("unexpected webhook token %q", token)
	}
}

func TestResolveConfigPath(t *testing.T) {
	if got := ResolveConfigPath("/etc/ci", "acme.json"); got != "/etc/ci/acme.json" {
		t.Fatalf("relative path not anchored: %q", got)
	}
	if got := ResolveConfigPath("/etc/ci", "/srv/other.json"); got != "/srv/other.json" {
		t.Fatalf("absolute path should pass through: %q", got)
	}
	if got := ResolveConfigPath("", "acme.json"); got != "acme.json" {
		t.Fatalf("empty root should pass through: %q", got)
	}
}
