// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package tracer implements the coordination engine of the tracer: the
// stop-the-world protocol that re-enables a breakpoint on one task while
// its siblings are held quiescent, the exit protocol that unwinds all
// tracing state before detach, and the vfork adoption protocol.
//
// Everything here runs on the tracer's main loop; handlers are synchronous
// and never block. Mutual exclusion on tracee tasks is achieved by the
// kernel holding them stopped, not by locks.
package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/ptrace"
)

// Options tune platform-dependent coordinator behavior.
type Options struct {
	// NoSinglestep disables the coordinator after breakpoint hits:
	// the task is resumed without re-enablement coordination. For
	// architectures where single-stepping past a displaced instruction
	// is not safe.
	NoSinglestep bool
	// SoftwareSinglestep replaces hardware single-stepping with one-shot
	// scratch breakpoints at all possible next instructions.
	SoftwareSinglestep bool
}

// Coordinator owns the per-process tracing state and drives the
// coordination protocols. All methods must be called from the main loop.
type Coordinator struct {
	tr    ptrace.Tracer
	reg   *proc.Registry
	bps   *breakpoint.Set
	queue *events.Queue
	opts  Options

	// attachedPids is the read-only list of externally attached (-p)
	// processes; these are detached rather than abandoned at exit.
	attachedPids []libpf.PID
}

// New assembles a Coordinator around the given trace interface.
func New(tr ptrace.Tracer, reg *proc.Registry, bps *breakpoint.Set,
	queue *events.Queue, opts Options) *Coordinator {
	return &Coordinator{tr: tr, reg: reg, bps: bps, queue: queue, opts: opts}
}

// SetAttachedPids records the externally attached pids.
func (c *Coordinator) SetAttachedPids(pids []libpf.PID) {
	c.attachedPids = pids
}

// Registry exposes the process registry.
func (c *Coordinator) Registry() *proc.Registry { return c.reg }

// Breakpoints exposes the breakpoint tables.
func (c *Coordinator) Breakpoints() *breakpoint.Set { return c.bps }

// Queue exposes the pending-event queue.
func (c *Coordinator) Queue() *events.Queue { return c.queue }

// Tracer exposes the trace interface.
func (c *Coordinator) Tracer() ptrace.Tracer { return c.tr }

// suspendThreads pins every sibling of p and marks p as stepping.
func (c *Coordinator) suspendThreads(p *proc.Process) {
	c.applyThreads(p, true)
}

// resumeThreads undoes suspendThreads.
func (c *Coordinator) resumeThreads(p *proc.Process) {
	c.applyThreads(p, false)
}

func (c *Coordinator) applyThreads(p *proc.Process, suspend bool) {
	c.reg.EachTask(p.Leader, func(task *proc.Process) proc.CallbackStatus {
		if task == p {
			return proc.Continue
		}
		var err error
		if suspend {
			err = c.tr.SuspendThread(task.Pid)
		} else {
			err = c.tr.ResumeThread(task.Pid)
		}
		if err != nil {
			log.Warnf("couldn't pin thread %d: %v", task.Pid, err)
		}
		return proc.Continue
	})
	p.OnStep = suspend
}

// ContinueProcess resumes p, but only when the queue holds no pending
// events for it; otherwise the resume is deferred until those events have
// been replayed. Syscall-stop tracing stays on so that fork, clone and
// execve remain observable.
func (c *Coordinator) ContinueProcess(p *proc.Process) {
	log.Debugf("continue process %d", p.Pid)
	if p.OnStep {
		c.resumeThreads(p)
	}
	if c.queue.HasEventsFor(p.Pid) {
		log.Debugf("putting off the continue of %d, events in queue", p.Pid)
		return
	}
	if err := c.tr.ContSyscall(p.Pid, 0); err != nil {
		log.Debugf("continue %d: %v", p.Pid, err)
	}
}

// ContinueAfterSignal resumes p delivering signum.
func (c *Coordinator) ContinueAfterSignal(p *proc.Process, signum int) {
	if err := c.tr.ContSyscall(p.Pid, signum); err != nil {
		log.Debugf("continue %d with signal %d: %v", p.Pid, signum, err)
	}
}

// ContinueAfterBreakpoint is the dispatcher's resume path after a
// breakpoint hit. The IP is rewound to the breakpoint address first: the
// processor has already advanced past the trap instruction. A disabled
// site, or a platform that cannot single-step safely, resumes directly;
// otherwise the stop-the-world coordination re-enables the site.
func (c *Coordinator) ContinueAfterBreakpoint(p *proc.Process, bp *breakpoint.Breakpoint) {
	log.Debugf("continue after breakpoint: pid=%d, addr=0x%x", p.Pid, uint64(bp.Addr))

	if err := c.tr.SetIP(p.Pid, bp.Addr); err != nil {
		log.Warnf("rewind IP of %d to 0x%x: %v", p.Pid, uint64(bp.Addr), err)
	}

	if !bp.Armed() || c.opts.NoSinglestep {
		c.ContinueProcess(p)
		return
	}
	if err := c.InstallStoppingHandler(p, bp, StoppingCallbacks{}); err != nil {
		log.Warnf("couldn't install stopping handler for %d: %v", p.Pid, err)
		// Carry on not bothering to re-enable.
		c.ContinueProcess(p)
	}
}

// ContinueAfterSyscall resumes p after a syscall boundary, unless a
// stopping protocol is mid-cycle, in which case the sysret bookkeeping in
// the handler owns the resume.
func (c *Coordinator) ContinueAfterSyscall(p *proc.Process, sysnum int, isRet bool) {
	_ = sysnum
	if isRet && (isMidStopping(p) || isMidStopping(p.Leader)) {
		log.Debugf("continue after syscall: don't continue %d", p.Pid)
		return
	}
	c.ContinueProcess(p)
}

// ContinueAfterExec resumes p with standard policy.
func (c *Coordinator) ContinueAfterExec(p *proc.Process) {
	c.ContinueProcess(p)
}

func isMidStopping(p *proc.Process) bool {
	if p == nil {
		return false
	}
	_, ok := p.Handler().(*StoppingHandler)
	return ok
}

// undoBreakpointEvent rewinds the IP of a task with a breakpoint event so
// that it sits on an instruction edge. Used before detach and in the
// detach-after-singlestep workaround.
func (c *Coordinator) undoBreakpointEvent(ev *events.Event, leader *proc.Process) {
	if ev == nil || ev.Kind != events.Breakpoint {
		return
	}
	p := c.reg.Pid2Proc(ev.Pid)
	if p == nil || p.Leader != leader {
		return
	}
	if err := c.tr.SetIP(ev.Pid, ev.Addr); err != nil {
		log.Debugf("undo breakpoint at %d: %v", ev.Pid, err)
	}
}

// isAttachedLeader reports whether any externally attached pid belongs to
// the group of leader.
func (c *Coordinator) isAttachedLeader(leader *proc.Process) bool {
	for _, pid := range c.attachedPids {
		if p := c.reg.Pid2Proc(pid); p != nil && p.Leader == leader {
			return true
		}
	}
	return false
}

// DetachProcess unwinds all tracing state of the group led by leader:
// rewinds IPs for queued breakpoint events, restores all displaced bytes,
// runs the retract callbacks, detaches externally attached tasks (leader
// last) and forgets the group.
func (c *Coordinator) DetachProcess(leader *proc.Process) {
	log.Debugf("detach process %d", leader.Pid)

	c.queue.Each(func(ev *events.Event) events.EachStatus {
		c.undoBreakpointEvent(ev, leader)
		return events.Continue
	})
	c.reg.EachTask(leader, func(task *proc.Process) proc.CallbackStatus {
		c.queue.RemoveFor(task.Pid)
		return proc.Continue
	})

	table := c.bps.ForLeader(leader)
	table.DisableAll(leader)
	table.Each(func(bp *breakpoint.Breakpoint) {
		bp.OnRetract(leader)
	})

	if c.isAttachedLeader(leader) {
		detach := func(task *proc.Process) {
			if err := c.tr.Detach(task.Pid); err != nil {
				log.Debugf("detach %d: %v", task.Pid, err)
			}
		}
		c.reg.EachTask(leader, func(task *proc.Process) proc.CallbackStatus {
			if task != leader {
				detach(task)
			}
			return proc.Continue
		})
		detach(leader)
	}

	// Remove non-leader tasks first; the leader goes last.
	for _, task := range c.reg.Tasks(leader) {
		if task != leader {
			c.reg.Remove(task)
		}
	}
	c.reg.DestroyHandler(leader)
	c.reg.Remove(leader)
	c.bps.DropLeader(leader)
}
