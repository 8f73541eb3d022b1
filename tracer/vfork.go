// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
)

// VforkHandler rides on a vforked child while it is adopted into its
// parent's thread group. The parent sleeps in the kernel until the
// child execs or exits; either event ends the adoption and wakes the
// parent.
type VforkHandler struct {
	c      *Coordinator
	child  *proc.Process
	parent *proc.Process

	// bpAddr is the first breakpoint the child tripped in the shared
	// address space. Its trap has to go back in for the parent once the
	// window closes.
	bpAddr libpf.Address
}

var _ proc.EventHandler = (*VforkHandler)(nil)

func (h *VforkHandler) OnEvent(ev *events.Event) *events.Event {
	if ev.Pid != h.child.Pid {
		return ev
	}
	switch ev.Kind {
	case events.Breakpoint:
		if h.bpAddr == 0 {
			h.bpAddr = ev.Addr
		}
	case events.Exec, events.Exit, events.ExitSignal:
		log.Debugf("vfork adoption of %d ends on %v", h.child.Pid, ev.Kind)
		h.endAdoption()
	}
	return ev
}

func (h *VforkHandler) endAdoption() {
	if h.bpAddr != 0 {
		table := h.c.bps.ForLeader(h.child.Leader)
		if bp := table.Lookup(h.bpAddr); bp != nil {
			if err := table.Enable(h.child.Leader, bp); err != nil {
				log.Warnf("restore trap at 0x%x: %v", uint64(h.bpAddr), err)
			}
		}
	}
	if h.parent != nil {
		h.c.ContinueProcess(h.parent)
	}
	h.c.reg.ChangeLeader(h.child, h.child)
	h.c.reg.DestroyHandler(h.child)
}

func (h *VforkHandler) Destroy() {}

// ContinueAfterVFork adopts a vforked child into its parent's thread
// group for the duration of the vfork window and resumes both tasks.
// The parent re-enters the kernel and blocks there until the window
// closes.
func (c *Coordinator) ContinueAfterVFork(child *proc.Process) {
	log.Debugf("continue after vfork: child=%d", child.Pid)
	h := &VforkHandler{c: c, child: child, parent: child.Parent}
	if err := c.reg.InstallHandler(child, h); err != nil {
		log.Warnf("vfork handler for %d: %v", child.Pid, err)
	} else if child.Parent != nil {
		c.reg.ChangeLeader(child, child.Parent.Leader)
	}
	c.ContinueProcess(child)
	if child.Parent != nil {
		c.ContinueProcess(child.Parent)
	}
}

// isVforkParent reports whether task still has a vforked child adopted
// into its group. Such a task sleeps in the kernel and cannot take a
// SIGSTOP until the vfork window closes.
func (c *Coordinator) isVforkParent(task *proc.Process) bool {
	var found bool
	c.reg.EachTask(task.Leader, func(p *proc.Process) proc.CallbackStatus {
		if vh, ok := p.Handler().(*VforkHandler); ok && vh.parent == task {
			found = true
			return proc.Stop
		}
		return proc.Continue
	})
	return found
}
