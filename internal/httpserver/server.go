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

// Package httpserver is the daemon's single HTTP listener: webhook
// ingress, the human status page, and the worker-facing claim/report API,
// wired onto one mux with graceful shutdown on SIGINT/SIGTERM.
package httpserver

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

// Server is the daemon's HTTP front door.
type Server struct {
	server *http.Server
	log    *log.Logger
}

// Deps bundles everything the router needs, kept here so New's signature
// doesn't grow every time a new surface is added.
type Deps struct {
	Addr        string
	Logger      *log.Logger
	Webhook     http.Handler
	StatusView  interface {
		ServeHTTP(w http.ResponseWriter, r *http.Request, owner, repo, sha string)
	}
	WorkerStore WorkerStore

	// OnRunFinished is invoked after a worker successfully finishes a run,
	// giving the daemon a hook to queue terminal-status notifications.
	OnRunFinished func(runID int64)
}

func New(d Deps) *Server {
	api := &workerAPI{store: d.WorkerStore, onFinished: d.OnRunFinished}

	mux := http.NewServeMux()
	mux.HandleFunc("/worker/hosts", api.handleRegisterHost)
	mux.HandleFunc("/worker/runs/claim", api.handleClaimRun)
	mux.HandleFunc("/worker/runs/", api.runsRouter())
	mux.HandleFunc("/worker/artifacts/", api.artifactsRouter())
	mux.HandleFunc("/", rootRouter(d.Webhook, d.StatusView))

	return &Server{
		log: d.Logger,
		server: &http.Server{
			Addr:           d.Addr,
			Handler:        logReq(d.Logger)(mux),
			ErrorLog:       d.Logger,
			ReadTimeout:    5 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
	}
}

// rootRouter implements the three routes of the public HTTP surface on a
// single prefix: POST /:owner/:repo is the webhook ingress, GET
// /:owner/:repo/:sha is the human status page, and everything else under
// "/" is a 200 placeholder (there is no deeper surface to 404 on here).
func rootRouter(webhook http.Handler, view interface {
	ServeHTTP(w http.ResponseWriter, r *http.Request, owner, repo, sha string)
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if parts[0] == "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		switch {
		case r.Method == http.MethodPost && len(parts) == 2:
			webhook.ServeHTTP(w, r)
		case r.Method == http.MethodGet && len(parts) == 3:
			view.ServeHTTP(w, r, parts[0], parts[1], parts[2])
		default:
			w.WriteHeader(http.StatusOK)
		}
	}
}

// Run blocks, serving until SIGINT or SIGTERM triggers a graceful
// shutdown bounded to 30 seconds.
func (s *Server) Run() error {
	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		s.log.Println("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.server.SetKeepAlivesEnabled(false)
		if err := s.server.Shutdown(ctx); err != nil {
			s.log.Printf("graceful shutdown failed: %v", err)
		}
		close(done)
	}()

	s.log.Println("listening on", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-done
	return nil
}
