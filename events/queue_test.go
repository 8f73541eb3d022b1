// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := &Queue{}
	require.Equal(t, 0, q.Len())
	require.Nil(t, q.Dequeue())

	q.Enqueue(&Event{Kind: Signal, Pid: 1, Signum: 10})
	q.Enqueue(&Event{Kind: Signal, Pid: 2, Signum: 11})
	q.Enqueue(&Event{Kind: Signal, Pid: 1, Signum: 12})
	require.Equal(t, 3, q.Len())

	require.Equal(t, 10, q.Dequeue().Signum)
	require.Equal(t, 11, q.Dequeue().Signum)
	require.Equal(t, 12, q.Dequeue().Signum)
	require.Nil(t, q.Dequeue())
	require.Equal(t, 0, q.Len())
}

func TestQueueTakeMatching(t *testing.T) {
	q := &Queue{}
	q.Enqueue(&Event{Kind: Signal, Pid: 1, Signum: 10})
	q.Enqueue(&Event{Kind: Breakpoint, Pid: 2, Addr: 0x4000})
	q.Enqueue(&Event{Kind: Signal, Pid: 2, Signum: 11})

	// Removal from the middle preserves the order of the rest.
	ev := q.TakeMatching(func(e *Event) bool { return e.Kind == Breakpoint })
	require.NotNil(t, ev)
	require.Equal(t, Breakpoint, ev.Kind)
	require.Equal(t, 2, q.Len())

	require.Nil(t, q.TakeMatching(func(e *Event) bool { return e.Pid == 3 }))
	require.Equal(t, 2, q.Len())

	require.Equal(t, 10, q.Dequeue().Signum)
	require.Equal(t, 11, q.Dequeue().Signum)
}

func TestQueueScanNonDestructive(t *testing.T) {
	q := &Queue{}
	q.Enqueue(&Event{Kind: Signal, Pid: 5, Signum: 10})
	q.Enqueue(&Event{Kind: Signal, Pid: 6, Signum: 11})

	ev := q.Scan(func(e *Event) bool { return e.Pid == 6 })
	require.NotNil(t, ev)
	require.Equal(t, 11, ev.Signum)
	require.Equal(t, 2, q.Len())

	require.True(t, q.HasEventsFor(5))
	require.True(t, q.HasEventsFor(6))
	require.False(t, q.HasEventsFor(7))
}

func TestQueueRemoveFor(t *testing.T) {
	q := &Queue{}
	q.Enqueue(&Event{Pid: 1, Signum: 10})
	q.Enqueue(&Event{Pid: 2, Signum: 11})
	q.Enqueue(&Event{Pid: 1, Signum: 12})

	q.RemoveFor(1)
	require.Equal(t, 1, q.Len())
	require.False(t, q.HasEventsFor(1))
	require.Equal(t, 11, q.Dequeue().Signum)

	q.RemoveFor(3)
	require.Equal(t, 0, q.Len())
}

func TestQueueEachYield(t *testing.T) {
	q := &Queue{}
	q.Enqueue(&Event{Pid: 1})
	q.Enqueue(&Event{Pid: 2})
	q.Enqueue(&Event{Pid: 3})

	var seen []int
	ev := q.Each(func(e *Event) EachStatus {
		seen = append(seen, int(e.Pid))
		if e.Pid == 2 {
			return Yield
		}
		return Continue
	})
	require.NotNil(t, ev)
	require.Equal(t, []int{1, 2}, seen)
	require.Equal(t, 3, q.Len())
}

func TestQueueReuseAfterDrain(t *testing.T) {
	q := &Queue{}
	q.Enqueue(&Event{Pid: 1})
	q.Enqueue(&Event{Pid: 2})
	q.Dequeue()
	q.Dequeue()

	// The backing slice resets once drained; the queue stays usable.
	q.Enqueue(&Event{Pid: 3})
	require.Equal(t, 1, q.Len())
	require.Equal(t, 3, int(q.Dequeue().Pid))
}

func TestEventExitPredicates(t *testing.T) {
	require.True(t, (&Event{Kind: Exit}).IsExit())
	require.True(t, (&Event{Kind: ExitSignal}).IsExit())
	require.False(t, (&Event{Kind: Signal}).IsExit())
	require.False(t, (*Event)(nil).IsExit())

	require.True(t, (*Event)(nil).IsExitOrNone())
	require.True(t, (&Event{Kind: None}).IsExitOrNone())
	require.True(t, (&Event{Kind: Exit}).IsExitOrNone())
	require.False(t, (&Event{Kind: Breakpoint}).IsExitOrNone())
}
