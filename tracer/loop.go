// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
)

// Loop owns event dispatch: each canonicalized event goes to the handler of
// the originating group if one is installed, otherwise to the default
// policy below. Whenever a group loses its handler, events it parked in the
// queue are replayed through the default policy.
type Loop struct {
	c *Coordinator
}

// NewLoop returns a Loop dispatching into c.
func NewLoop(c *Coordinator) *Loop {
	return &Loop{c: c}
}

// Coordinator returns the coordinator the loop dispatches into.
func (l *Loop) Coordinator() *Coordinator { return l.c }

// Dispatch routes one event. Events of tasks whose creation notification
// has not arrived yet park the task in BeingCreated state; the pending
// fork/clone event wires it up.
func (l *Loop) Dispatch(ev *events.Event) {
	c := l.c
	p := c.reg.Pid2Proc(ev.Pid)
	if p == nil {
		// The child of a fork or clone can stop before its creation
		// event is reported. Park it; the creation event fixes the links
		// and resumes it.
		log.Debugf("event %v from unknown task %d", ev.Kind, ev.Pid)
		np, err := c.reg.Add(ev.Pid, nil, nil)
		if err != nil {
			return
		}
		np.BeingCreated = true
		if ev.Kind == events.Signal && ev.Signum == int(unix.SIGSTOP) {
			return
		}
		c.queue.Enqueue(ev)
		return
	}
	if h := p.DispatchHandler(); h != nil {
		if ev = h.OnEvent(ev); ev == nil {
			l.replayQueued()
			return
		}
	}
	l.handleDefault(ev)
	l.replayQueued()
}

// replayQueued re-dispatches parked events once the group that parked them
// has no handler anymore.
func (l *Loop) replayQueued() {
	for {
		ev := l.c.queue.TakeMatching(func(e *events.Event) bool {
			p := l.c.reg.Pid2Proc(e.Pid)
			return p == nil || p.DispatchHandler() == nil
		})
		if ev == nil {
			return
		}
		log.Debugf("replay %v of %d", ev.Kind, ev.Pid)
		l.handleDefault(ev)
	}
}

func (l *Loop) handleDefault(ev *events.Event) {
	c := l.c
	p := c.reg.Pid2Proc(ev.Pid)
	if p == nil {
		return
	}
	wasNew := p.BeingCreated
	p.BeingCreated = false

	switch ev.Kind {
	case events.None:
	case events.Breakpoint:
		l.handleBreakpoint(p, ev.Addr)
	case events.Signal:
		// The first stop of a fresh task is its attach SIGSTOP; consume
		// it instead of delivering.
		if wasNew && ev.Signum == int(unix.SIGSTOP) {
			c.ContinueProcess(p)
			return
		}
		c.ContinueAfterSignal(p, ev.Signum)
	case events.SyscallEntry, events.Sysret:
		c.ContinueAfterSyscall(p, ev.Sysnum, ev.Kind == events.Sysret)
	case events.Exit, events.ExitSignal:
		l.handleExit(p)
	case events.Exec:
		l.handleExec(p)
	case events.Fork:
		l.handleFork(p, ev.Child)
	case events.VFork:
		l.handleVFork(p, ev.Child)
	case events.Clone:
		l.handleClone(p, ev.Child)
	}
}

func (l *Loop) handleBreakpoint(p *proc.Process, addr libpf.Address) {
	c := l.c
	bp := c.bps.ForLeader(p.Leader).Lookup(addr)
	if bp == nil {
		// A trap we did not plant. Deliver it.
		c.ContinueAfterSignal(p, int(unix.SIGTRAP))
		return
	}
	bp.OnHit(p)
	if bp.HasContinueCB() {
		bp.OnContinue(p)
		return
	}
	c.ContinueAfterBreakpoint(p, bp)
}

func (l *Loop) handleExit(p *proc.Process) {
	c := l.c
	leader := p.Leader
	log.Debugf("task %d exited", p.Pid)
	c.reg.Remove(p)
	if len(c.reg.Tasks(leader)) == 0 {
		c.bps.DropLeader(leader)
	}
}

// handleExec collapses the thread group: execve destroys every sibling and
// replaces the address space, taking all planted traps with it.
func (l *Loop) handleExec(p *proc.Process) {
	c := l.c
	oldLeader := p.Leader
	for _, task := range c.reg.Tasks(oldLeader) {
		if task != p {
			c.reg.Remove(task)
		}
	}
	if oldLeader != p {
		c.reg.DestroyHandler(oldLeader)
	}
	c.bps.DropLeader(oldLeader)
	c.reg.ChangeLeader(p, p)
	p.InSyscall = false
	log.Debugf("task %d execed", p.Pid)
	c.ContinueAfterExec(p)
}

func (l *Loop) handleFork(p *proc.Process, childPid libpf.PID) {
	c := l.c
	child, stopped := l.adoptChild(p, childPid, nil)
	if child == nil {
		c.ContinueProcess(p)
		return
	}
	// The fork duplicated the address space with our traps in place.
	c.bps.ForLeader(p.Leader).CloneInto(c.bps.ForLeader(child))
	if stopped {
		c.ContinueProcess(child)
	}
	c.ContinueProcess(p)
}

func (l *Loop) handleClone(p *proc.Process, childPid libpf.PID) {
	c := l.c
	child, stopped := l.adoptChild(p, childPid, p.Leader)
	if child != nil && stopped {
		c.ContinueProcess(child)
	}
	c.ContinueProcess(p)
}

func (l *Loop) handleVFork(p *proc.Process, childPid libpf.PID) {
	child, _ := l.adoptChild(p, childPid, nil)
	if child == nil {
		l.c.ContinueProcess(p)
		return
	}
	l.c.ContinueAfterVFork(child)
}

// adoptChild wires up a newly reported child. stopped reports whether the
// child has already had its first stop consumed and is waiting to be
// resumed; a child whose first stop is still in flight stays BeingCreated
// and is resumed when that stop arrives.
func (l *Loop) adoptChild(p *proc.Process, childPid libpf.PID,
	leader *proc.Process) (child *proc.Process, stopped bool) {
	c := l.c
	child = c.reg.Pid2Proc(childPid)
	if child == nil {
		var err error
		child, err = c.reg.Add(childPid, p, leader)
		if err != nil {
			log.Warnf("register child %d: %v", childPid, err)
			return nil, false
		}
		child.BeingCreated = true
		return child, false
	}
	child.Parent = p
	if leader == nil {
		leader = child
	}
	c.reg.ChangeLeader(child, leader)
	child.BeingCreated = false
	return child, true
}

// AttachAll attaches to every task of the thread group of pid, making pid
// the group leader.
func (c *Coordinator) AttachAll(pid libpf.PID) (*proc.Process, error) {
	tids, err := c.tr.ListThreads(pid)
	if err != nil {
		return nil, err
	}
	leader, err := c.reg.Add(pid, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := c.tr.Attach(pid); err != nil {
		c.reg.Remove(leader)
		return nil, err
	}
	for _, tid := range tids {
		if tid == pid {
			continue
		}
		task, err := c.reg.Add(tid, nil, leader)
		if err != nil {
			continue
		}
		if err := c.tr.Attach(tid); err != nil {
			log.Warnf("attach to task %d of %d: %v", tid, pid, err)
			c.reg.Remove(task)
		}
	}
	return leader, nil
}
