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

// Package notifyqueue decouples the event processor from the notifiers it
// triggers: a push event publishes a small JSON envelope here instead of
// blocking on a GitHub or SMTP round trip inline. When no broker is
// configured it falls back to an in-process buffered channel so a
// single-node deployment doesn't need RabbitMQ just to run.
package notifyqueue

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"github.com/codepr/ci-core/internal/eventproc"
)

const queueName = "commits.notify"

// Queue is the interface the rest of the system depends on;
// eventproc.NotifyQueue is satisfied by either backend below.
type Queue interface {
	Enqueue(event eventproc.NotifyEvent) error
	// Consume blocks until the backend's delivery stream ends (the
	// in-process channel is closed, or the AMQP connection drops),
	// invoking handle for every event it receives. It takes no
	// cancellation argument.
	Consume(handle func(eventproc.NotifyEvent)) error
}

// AmqpQueue publishes notify events to a durable AMQP queue, one dial per
// publish rather than holding a long-lived channel open. Notify volume is
// low enough that the per-call dial cost doesn't matter.
type AmqpQueue struct {
	url   string
	queue string
	log   *log.Logger
}

func NewAmqpQueue(url string, logger *log.Logger) *AmqpQueue {
	return &AmqpQueue{url: url, queue: queueName, log: logger}
}

func (q *AmqpQueue) Enqueue(event eventproc.NotifyEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notify event: %w", err)
	}

	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	declared, err := ch.QueueDeclare(q.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	err = ch.Publish("", declared.Name, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish notify event: %w", err)
	}
	return nil
}

// Consume blocks, invoking handle for every notify event received. Runs
// until the AMQP connection drops or the process exits; callers run it in
// its own goroutine. Messages are acked only after handle returns, so an
// event in flight when the process dies is redelivered on the next start;
// handle must therefore tolerate seeing the same event twice.
func (q *AmqpQueue) Consume(handle func(eventproc.NotifyEvent)) error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	declared, err := ch.QueueDeclare(q.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	msgs, err := ch.Consume(declared.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}

	for d := range msgs {
		var event eventproc.NotifyEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			// Ack malformed messages too: redelivering them would just
			// poison the queue.
			q.log.Printf("notifyqueue: dropping malformed message: %v", err)
			d.Ack(false)
			continue
		}
		handle(event)
		d.Ack(false)
	}
	return nil
}

// InProcessQueue is the no-broker fallback: a buffered channel in the same
// process. Used when -amqp-url is unset. This is the one domain-stack
// path that doesn't exercise streadway/amqp; single-process deployments
// have no separate broker to dial.
type InProcessQueue struct {
	ch chan eventproc.NotifyEvent
}

func NewInProcessQueue(capacity int) *InProcessQueue {
	return &InProcessQueue{ch: make(chan eventproc.NotifyEvent, capacity)}
}

func (q *InProcessQueue) Enqueue(event eventproc.NotifyEvent) error {
	select {
	case q.ch <- event:
		return nil
	default:
		return fmt.Errorf("notify queue full")
	}
}

func (q *InProcessQueue) Consume(handle func(eventproc.NotifyEvent)) error {
	for event := range q.ch {
		handle(event)
	}
	return nil
}
