// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events // import "go.opentelemetry.io/dyntracer/events"

import "go.opentelemetry.io/dyntracer/libpf"

// EachStatus is returned by Each callbacks.
type EachStatus int

const (
	// Continue proceeds to the next queued event.
	Continue EachStatus = iota
	// Yield stops the scan and returns the current event.
	Yield
)

// Queue is a FIFO of pending events. Enqueue is O(1); scans are O(n) and
// non-destructive. Ordering is strict FIFO per originating task; events of
// different tasks interleave in arrival order.
type Queue struct {
	head  int
	items []*Event
}

// Enqueue appends e to the queue.
func (q *Queue) Enqueue(e *Event) {
	q.items = append(q.items, e)
}

// Dequeue removes and returns the oldest event, or nil if the queue is empty.
func (q *Queue) Dequeue() *Event {
	if q.head >= len(q.items) {
		return nil
	}
	e := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.head = 0
		q.items = q.items[:0]
	}
	return e
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.items) - q.head
}

// Each visits queued events oldest first until fn yields; the yielding
// event is returned, or nil if fn never yields. Events are not dequeued.
func (q *Queue) Each(fn func(*Event) EachStatus) *Event {
	for _, e := range q.items[q.head:] {
		if fn(e) == Yield {
			return e
		}
	}
	return nil
}

// Scan returns the first queued event matching pred without dequeuing it.
func (q *Queue) Scan(pred func(*Event) bool) *Event {
	return q.Each(func(e *Event) EachStatus {
		if pred(e) {
			return Yield
		}
		return Continue
	})
}

// TakeMatching removes and returns the oldest event matching pred, nil
// if none matches.
func (q *Queue) TakeMatching(pred func(*Event) bool) *Event {
	for i := q.head; i < len(q.items); i++ {
		if !pred(q.items[i]) {
			continue
		}
		e := q.items[i]
		q.items = append(q.items[:i], q.items[i+1:]...)
		if q.head == len(q.items) {
			q.head = 0
			q.items = q.items[:0]
		}
		return e
	}
	return nil
}

// RemoveFor drops every queued event originating from pid.
func (q *Queue) RemoveFor(pid libpf.PID) {
	for {
		if q.TakeMatching(func(e *Event) bool { return e.Pid == pid }) == nil {
			return
		}
	}
}

// HasEventsFor reports whether any queued event originates from pid.
func (q *Queue) HasEventsFor(pid libpf.PID) bool {
	return q.Scan(func(e *Event) bool { return e.Pid == pid }) != nil
}
