// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/proc"
)

// ExitingHandler drives the shutdown protocol of one thread group:
// every task is stopped, queued breakpoint stops are rewound onto
// instruction edges, and once all stops are accountable the group is
// detached.
type ExitingHandler struct {
	c      *Coordinator
	leader *proc.Process
	pids   pidSet
}

var _ proc.EventHandler = (*ExitingHandler)(nil)

func (h *ExitingHandler) OnEvent(ev *events.Event) *events.Event {
	ti := h.pids.get(ev.Pid)
	ev = markAndSinkSigstop(ti, ev)

	if ev != nil && ev.Kind == events.Breakpoint {
		h.c.undoBreakpointEvent(ev, h.leader)
	}
	if ev != nil && ev.IsExit() && ti != nil {
		ti.pid = 0
	}
	if awaitSigstopDelivery(h.c, ti, ev) && h.pids.allStopsAccountable() {
		h.c.DetachProcess(h.leader)
	}

	// Sink everything but exits. The group is on its way out; nothing
	// is worth queuing or resuming for.
	if ev.IsExitOrNone() {
		return ev
	}
	return nil
}

func (h *ExitingHandler) Destroy() {}

// Exiting begins the shutdown protocol for every externally attached
// group. A group mid-coordination finishes its step first and then
// parks for detach. Returns the number of attached pids whose group was
// put on the shutdown path, counting groups detached on the spot and
// groups that first finish a stop cycle alike.
func (c *Coordinator) Exiting() int {
	pending := 0
	for _, pid := range c.attachedPids {
		p := c.reg.Pid2Proc(pid)
		if p == nil {
			continue
		}
		if err := c.installExitingHandler(p); err != nil {
			log.Warnf("couldn't install exiting handler for %d: %v", p.Pid, err)
			continue
		}
		pending++
	}
	return pending
}

func (c *Coordinator) installExitingHandler(p *proc.Process) error {
	leader := p.Leader
	switch other := leader.Handler().(type) {
	case *ExitingHandler:
		// Several attached pids may share one group.
		return nil
	case *StoppingHandler:
		other.SetExiting()
		return nil
	}

	h := &ExitingHandler{c: c, leader: leader}
	if err := c.reg.InstallHandler(leader, h); err != nil {
		return err
	}
	c.reg.EachTask(leader, func(task *proc.Process) proc.CallbackStatus {
		return sendSigstop(c, &h.pids, task)
	})
	// A group with no stop left to deliver yields no further events;
	// probe once so it detaches immediately.
	h.OnEvent(&events.Event{Kind: events.None, Pid: p.Pid})
	return nil
}
