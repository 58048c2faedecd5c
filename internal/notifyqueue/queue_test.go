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

package notifyqueue

import (
	"testing"
	"time"

	"github.com/codepr/ci-core/internal/eventproc"
)

func TestInProcessQueueRoundTrip(t *testing.T) {
	q := NewInProcessQueue(4)
	want := eventproc.NotifyEvent{RemoteID: 1, Path: "acme/widgets", Sha: "deadbeef", Kind: "pending"}

	if err := q.Enqueue(want); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := make(chan eventproc.NotifyEvent, 1)
	go func() {
		q.Consume(func(e eventproc.NotifyEvent) {
			got <- e
			close(q.ch)
		})
	}()

	select {
	case e := <-got:
		if e != want {
			t.Fatalf("expected %+v, got %+v", want, e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event to be consumed")
	}
}

func TestInProcessQueueFullReturnsError(t *testing.T) {
	q := NewInProcessQueue(1)
	event := eventproc.NotifyEvent{RemoteID: 1}

	if err := q.Enqueue(event); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := q.Enqueue(event); err == nil {
		t.Fatal("expected an error when the queue is full")
	}
}
