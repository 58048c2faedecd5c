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

// Package webhook is the HTTP ingress for provider push events: HMAC
// authentication against a remote's configured pre-shared keys, followed
// by handing a parsed push event to an EventProcessor.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/google/go-github/v32/github"

	"github.com/codepr/ci-core/internal/store"
)

// maxBodyBytes bounds how much of a push payload we'll read before giving
// up, so a misbehaving or malicious sender can't exhaust memory.
const maxBodyBytes = 1 << 20

// PSKSource supplies the current set of valid pre-shared keys for
// validating inbound signatures. Implemented by the store so key rotation
// takes effect without a restart.
type PSKSource interface {
	AllGithubRemotes() ([]*store.Remote, error)
}

// EventProcessor reacts to a parsed push event.
type EventProcessor interface {
	ProcessPush(path string, event *github.PushEvent) error
}

// Handler is the http.Handler mounted at the webhook ingress path.
type Handler struct {
	psks                 PSKSource
	processor            EventProcessor
	notifierConfigLoader func(path string) (webhookToken string, err error)
	logger               *log.Logger
}

// New builds a Handler. loadWebhookToken resolves a remote's
// notifier_config_path to its webhook_token, used to assemble the PSK set.
func New(psks PSKSource, processor EventProcessor, loadWebhookToken func(path string) (string, error), logger *log.Logger) *Handler {
	return &Handler{psks: psks, processor: processor, notifierConfigLoader: loadWebhookToken, logger: logger}
}

// fieldError is the structured 400 body returned when a required field of
// the push payload is missing or of the wrong JSON type.
type fieldError struct {
	Error    string `json:"error"`
	Path     string `json:"path"`
	Expected string `json:"expected"`
}

func writeFieldError(w http.ResponseWriter, path, expected string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(fieldError{Error: "invalid push event", Path: path, Expected: expected})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	var probe map[string]interface{}
	if err := json.Unmarshal(body, &probe); err != nil {
		http.Error(w, "malformed json body", http.StatusBadRequest)
		return
	}

	psks, err := h.currentPSKs()
	if err != nil {
		h.logger.Printf("webhook: loading psks: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if sig == "" || !verifySignature(sig, body, psks) {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	kind := r.Header.Get("X-Github-Event")
	if kind == "status" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if kind != "push" {
		h.logger.Printf("webhook: ignoring event kind %q", kind)
		w.WriteHeader(http.StatusOK)
		return
	}

	parsed, err := github.ParseWebHook("push", body)
	if err != nil {
		http.Error(w, "malformed push payload", http.StatusBadRequest)
		return
	}
	push, ok := parsed.(*github.PushEvent)
	if !ok {
		http.Error(w, "unexpected payload shape", http.StatusBadRequest)
		return
	}
	if push.Repo == nil || push.Repo.FullName == nil {
		writeFieldError(w, "repository.full_name", "string")
		return
	}
	if push.GetAfter() == "" {
		writeFieldError(w, "after", "string")
		return
	}

	if err := h.processor.ProcessPush(*push.Repo.FullName, push); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "unknown remote", http.StatusNotFound)
			return
		}
		h.logger.Printf("webhook: processing push for %s: %v", *push.Repo.FullName, err)
		if store.IsTransient(err) {
			http.Error(w, "store temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to process push", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// currentPSKs loads every github remote's webhook_token, tolerating
// individual unreadable config files (logged, skipped) so one broken
// remote's config can't take down ingestion for every other remote.
func (h *Handler) currentPSKs() ([]string, error) {
	remotes, err := h.psks.AllGithubRemotes()
	if err != nil {
		return nil, err
	}
	psks := make([]string, 0, len(remotes))
	for _, r := range remotes {
		token, err := h.notifierConfigLoader(r.NotifierConfigPath)
		if err != nil {
			h.logger.Printf("webhook: skipping remote %d: %v", r.ID, err)
			continue
		}
		psks = append(psks, token)
	}
	return psks, nil
}
