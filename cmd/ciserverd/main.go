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

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/codepr/ci-core/internal/eventproc"
	"github.com/codepr/ci-core/internal/httpserver"
	"github.com/codepr/ci-core/internal/notifier"
	"github.com/codepr/ci-core/internal/notifyqueue"
	"github.com/codepr/ci-core/internal/statusview"
	"github.com/codepr/ci-core/internal/store"
	"github.com/codepr/ci-core/internal/webhook"
)

func main() {
	var (
		addr               string
		dbPath             string
		configRoot         string
		publicBaseURL      string
		amqpURL            string
		sweepInterval      time.Duration
		hostCoverageWindow time.Duration
	)

	flag.StringVar(&addr, "addr", ":8919", "HTTP listen address")
	flag.StringVar(&dbPath, "db", "ci.db", "path to the control plane database")
	flag.StringVar(&configRoot, "config-root", "config", "directory relative notifier config paths resolve under")
	flag.StringVar(&publicBaseURL, "public-url", "", "this daemon's own externally reachable URL, used to build status links")
	flag.StringVar(&amqpURL, "amqp-url", "", "AMQP broker URL for notifier fan-out (unset: in-process queue)")
	flag.DurationVar(&sweepInterval, "sweep-interval", 30*time.Second, "how often to sweep expired pending runs")
	flag.DurationVar(&hostCoverageWindow, "host-lookback", 24*time.Hour, "lookback window for hosts considered online by the host-coverage sweep")
	flag.Parse()

	logger := log.New(os.Stdout, "[ciserverd] ", log.LstdFlags)

	s, err := store.Open(dbPath)
	if err != nil {
		logger.Fatalf("open database %s: %v", dbPath, err)
	}
	defer s.Close()

	queue := newNotifyQueue(amqpURL, logger)

	statusURL := func(path, sha string) string {
		if publicBaseURL == "" {
			return "/" + path + "/" + sha
		}
		return publicBaseURL + "/" + path + "/" + sha
	}

	processor := eventproc.New(s, queue, statusURL, logger)
	registry := notifier.NewRegistry(configRoot)

	webhookHandler := webhook.New(s, processor, registry.WebhookToken, logger)
	statusHandler := statusview.New(s)

	srv := httpserver.New(httpserver.Deps{
		Addr:        addr,
		Logger:      logger,
		Webhook:     webhookHandler,
		StatusView:  statusHandler,
		WorkerStore: s,
		OnRunFinished: func(runID int64) {
			if err := processor.ProcessRunFinished(runID); err != nil {
				logger.Printf("queue terminal status for run %d: %v", runID, err)
			}
		},
	})

	stopSweep := runPeriodic(sweepInterval, logger, "run sweep", func() error {
		n, err := s.SweepExpiredRuns()
		if err == nil && n > 0 {
			logger.Printf("swept %d expired pending run(s) to Invalid", n)
		}
		return err
	})
	defer stopSweep()

	stopHostCoverage := runPeriodic(sweepInterval, logger, "host coverage sweep", func() error {
		n, err := s.HostCoverageSweep(int64(hostCoverageWindow / time.Second))
		if err == nil && n > 0 {
			logger.Printf("host-coverage sweep queued %d run(s)", n)
		}
		return err
	})
	defer stopHostCoverage()

	go runNotifyConsumer(queue, s, registry, logger)

	if err := srv.Run(); err != nil {
		logger.Fatalf("server: %v", err)
	}
}

// newNotifyQueue picks the AMQP-backed queue when a broker is configured,
// falling back to an in-process channel for a single-node deployment with
// no external infrastructure.
func newNotifyQueue(amqpURL string, logger *log.Logger) notifyqueue.Queue {
	if amqpURL == "" {
		logger.Println("no -amqp-url configured, using in-process notify queue")
		return notifyqueue.NewInProcessQueue(256)
	}
	return notifyqueue.NewAmqpQueue(amqpURL, logger)
}

// runNotifyConsumer drains the notify queue forever, fanning each event
// out to every notifier of the owning repo rather than just the remote
// that received the triggering push: a repo mirrored on two remotes gets
// both notified, each addressed by its own path. A notifier failure is
// logged, never fatal, since the durable state transition already
// happened before this event was published.
func runNotifyConsumer(q notifyqueue.Queue, s *store.Store, registry *notifier.Registry, logger *log.Logger) {
	err := q.Consume(func(event eventproc.NotifyEvent) {
		targets, err := s.NotifiersByRepo(event.RepoID)
		if err != nil {
			logger.Printf("notify consumer: notifiers for repo %d: %v", event.RepoID, err)
			return
		}
		for _, target := range targets {
			n, err := registry.For(target.NotifierConfigPath)
			if err != nil {
				logger.Printf("notify consumer: notifier for remote %d: %v", target.RemoteID, err)
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			switch event.Kind {
			case "pending":
				err = n.TellPendingJob(ctx, target.Path, event.Sha, event.TargetURL)
			case "success":
				err = n.TellJobStatus(ctx, target.Path, event.Sha, notifier.StatusSuccess, event.TargetURL, "build passed")
			case "failure":
				err = n.TellJobStatus(ctx, target.Path, event.Sha, notifier.StatusFailure, event.TargetURL, "build failed")
			default:
				logger.Printf("notify consumer: unknown event kind %q", event.Kind)
			}
			if err != nil {
				logger.Printf("notify consumer: %s notification for %s@%s: %v", event.Kind, target.Path, event.Sha, err)
			}
			cancel()
		}
	})
	if err != nil {
		logger.Printf("notify consumer exited: %v", err)
	}
}

// runPeriodic starts work on a ticker in its own goroutine and returns a
// func that stops it. Errors from work are logged, never fatal; a single
// failed sweep pass should not take the daemon down.
func runPeriodic(interval time.Duration, logger *log.Logger, name string, work func() error) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if err := work(); err != nil {
					logger.Printf("%s: %v", name, err)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
