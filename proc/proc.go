// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc keeps track of traced tasks, their thread-group leaders and
// parent links, and the per-leader event handler slot.
package proc // import "go.opentelemetry.io/dyntracer/proc"

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
)

// CallbackStatus steers task iteration.
type CallbackStatus int

const (
	// Continue visits the next task.
	Continue CallbackStatus = iota
	// Stop ends the iteration and reports the current task.
	Stop
	// Fail ends the iteration reporting the current task; the caller
	// treats the visit as failed.
	Fail
)

// EventHandler processes events for one thread group. A nil return from
// OnEvent sinks the event; a non-nil return re-emits it to the next
// dispatch layer.
type EventHandler interface {
	OnEvent(ev *events.Event) *events.Event
	// Destroy releases handler-owned resources. It is called exactly once,
	// when the handler is removed from its leader.
	Destroy()
}

// Process represents one OS-level task.
type Process struct {
	Pid libpf.PID
	// Parent is the task that created this one, nil for tasks attached
	// from the outside.
	Parent *Process
	// Leader is the thread-group leader; Leader == self for a leader.
	Leader *Process
	// OnStep is set while sibling tasks are explicitly pinned so this
	// task can single-step.
	OnStep bool
	// BeingCreated marks a task whose first stop has not been observed
	// yet; the kernel stops such tasks without tracer involvement.
	BeingCreated bool
	// InSyscall toggles at every syscall stop: false at entry, true
	// between entry and return.
	InSyscall bool

	handler EventHandler
}

// IsLeader reports whether p leads its thread group.
func (p *Process) IsLeader() bool {
	return p.Leader == p
}

// Handler returns the event handler installed on p itself.
func (p *Process) Handler() EventHandler {
	return p.handler
}

// ErrHandlerPresent is returned when installing a handler on a leader that
// already has one.
var ErrHandlerPresent = errors.New("event handler already installed")

// Registry owns all known processes. Iteration visits tasks in insertion
// order, which keeps the protocols deterministic.
type Registry struct {
	byPid map[libpf.PID]*Process
	order []*Process
}

func NewRegistry() *Registry {
	return &Registry{byPid: make(map[libpf.PID]*Process)}
}

// Add registers a new task. If leader is nil the task leads its own group.
func (r *Registry) Add(pid libpf.PID, parent, leader *Process) (*Process, error) {
	if _, ok := r.byPid[pid]; ok {
		return nil, fmt.Errorf("task %d already registered", pid)
	}
	p := &Process{Pid: pid, Parent: parent}
	if leader == nil {
		p.Leader = p
	} else {
		p.Leader = leader
	}
	r.byPid[pid] = p
	r.order = append(r.order, p)
	return p, nil
}

// Empty reports whether no tasks remain.
func (r *Registry) Empty() bool {
	return len(r.order) == 0
}

// Pid2Proc resolves a pid to its task record, nil if unknown.
func (r *Registry) Pid2Proc(pid libpf.PID) *Process {
	return r.byPid[pid]
}

// Remove forgets a task. The handler slot, if occupied, is destroyed.
func (r *Registry) Remove(p *Process) {
	if p.handler != nil {
		p.handler.Destroy()
		p.handler = nil
	}
	delete(r.byPid, p.Pid)
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// ChangeLeader moves p into the thread group led by leader. Used only by
// the vfork coordination, which temporarily adopts the vforked child into
// its parent's group.
func (r *Registry) ChangeLeader(p, leader *Process) {
	p.Leader = leader
}

// EachTask visits every task of the group led by leader, in insertion
// order. Iteration ends early when visit returns Stop or Fail, and the
// stopping task is returned; otherwise nil.
func (r *Registry) EachTask(leader *Process, visit func(*Process) CallbackStatus) *Process {
	for _, p := range r.order {
		if p.Leader != leader {
			continue
		}
		if visit(p) != Continue {
			return p
		}
	}
	return nil
}

// Tasks returns the tasks of the group led by leader, in insertion order.
func (r *Registry) Tasks(leader *Process) []*Process {
	var tasks []*Process
	r.EachTask(leader, func(p *Process) CallbackStatus {
		tasks = append(tasks, p)
		return Continue
	})
	return tasks
}

// InstallHandler places h on p. Coordination handlers go on the leader;
// the vfork coordination installs on the adopted child directly. At most
// one handler per task: a second installation is rejected with
// ErrHandlerPresent.
func (r *Registry) InstallHandler(p *Process, h EventHandler) error {
	if p.handler != nil {
		return ErrHandlerPresent
	}
	p.handler = h
	return nil
}

// DestroyHandler removes and destroys the handler installed on p.
func (r *Registry) DestroyHandler(p *Process) {
	if p.handler == nil {
		return
	}
	h := p.handler
	p.handler = nil
	h.Destroy()
}

// DispatchHandler returns the handler responsible for events of p: the
// task's own handler if present, otherwise the one on its leader.
func (p *Process) DispatchHandler() EventHandler {
	if p.handler != nil {
		return p.handler
	}
	if p.Leader != nil {
		return p.Leader.handler
	}
	return nil
}
