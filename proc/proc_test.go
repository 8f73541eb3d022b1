// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package proc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/events"
)

type fakeHandler struct {
	destroyed int
	events    []*events.Event
}

func (h *fakeHandler) OnEvent(ev *events.Event) *events.Event {
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandler) Destroy() { h.destroyed++ }

func TestRegistryAddAndLookup(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Empty())

	leader, err := r.Add(100, nil, nil)
	require.NoError(t, err)
	require.True(t, leader.IsLeader())
	require.Nil(t, leader.Parent)

	sibling, err := r.Add(101, leader, leader)
	require.NoError(t, err)
	require.False(t, sibling.IsLeader())
	require.Same(t, leader, sibling.Leader)
	require.Same(t, leader, sibling.Parent)

	_, err = r.Add(100, nil, nil)
	require.Error(t, err)

	require.Same(t, leader, r.Pid2Proc(100))
	require.Nil(t, r.Pid2Proc(999))
	require.False(t, r.Empty())
}

func TestEachTaskInsertionOrder(t *testing.T) {
	r := NewRegistry()
	leader, _ := r.Add(200, nil, nil)
	r.Add(202, leader, leader)
	r.Add(201, leader, leader)
	other, _ := r.Add(300, nil, nil)
	r.Add(301, other, other)

	var pids []int
	stopped := r.EachTask(leader, func(p *Process) CallbackStatus {
		pids = append(pids, int(p.Pid))
		return Continue
	})
	require.Nil(t, stopped)
	require.Equal(t, []int{200, 202, 201}, pids)

	// Early exit reports the task the visit stopped on.
	stopped = r.EachTask(leader, func(p *Process) CallbackStatus {
		if p.Pid == 202 {
			return Fail
		}
		return Continue
	})
	require.NotNil(t, stopped)
	require.Equal(t, 202, int(stopped.Pid))

	tasks := r.Tasks(other)
	require.Len(t, tasks, 2)
	require.Equal(t, 300, int(tasks[0].Pid))
	require.Equal(t, 301, int(tasks[1].Pid))
}

func TestHandlerSlotSingleOccupancy(t *testing.T) {
	r := NewRegistry()
	leader, _ := r.Add(400, nil, nil)

	first := &fakeHandler{}
	require.NoError(t, r.InstallHandler(leader, first))
	require.ErrorIs(t, r.InstallHandler(leader, &fakeHandler{}),
		ErrHandlerPresent)

	r.DestroyHandler(leader)
	require.Equal(t, 1, first.destroyed)
	require.Nil(t, leader.Handler())

	// The slot is free again.
	require.NoError(t, r.InstallHandler(leader, &fakeHandler{}))
}

func TestDispatchHandlerLeaderFallback(t *testing.T) {
	r := NewRegistry()
	leader, _ := r.Add(500, nil, nil)
	task, _ := r.Add(501, leader, leader)

	lh := &fakeHandler{}
	require.NoError(t, r.InstallHandler(leader, lh))
	require.Same(t, lh, task.DispatchHandler())

	// A handler on the task itself takes precedence over the leader's.
	th := &fakeHandler{}
	require.NoError(t, r.InstallHandler(task, th))
	require.Same(t, th, task.DispatchHandler())
	require.Same(t, lh, leader.DispatchHandler())
}

func TestRemoveDestroysHandler(t *testing.T) {
	r := NewRegistry()
	leader, _ := r.Add(600, nil, nil)
	h := &fakeHandler{}
	require.NoError(t, r.InstallHandler(leader, h))

	r.Remove(leader)
	require.Equal(t, 1, h.destroyed)
	require.Nil(t, r.Pid2Proc(600))
	require.True(t, r.Empty())
}

func TestChangeLeader(t *testing.T) {
	r := NewRegistry()
	parent, _ := r.Add(700, nil, nil)
	child, _ := r.Add(701, parent, nil)
	require.True(t, child.IsLeader())

	r.ChangeLeader(child, parent)
	require.Same(t, parent, child.Leader)
	require.Len(t, r.Tasks(parent), 2)

	r.ChangeLeader(child, child)
	require.True(t, child.IsLeader())
	require.Len(t, r.Tasks(parent), 1)
}
