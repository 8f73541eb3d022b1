// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/ptrace"
	"go.opentelemetry.io/dyntracer/tracer/swstep"
)

// stoppingState tracks the phase of the stop-the-world protocol.
type stoppingState int

const (
	// stateStopping waits for every sibling to become quiescent.
	stateStopping stoppingState = iota
	// stateSinglestep moves the stepping task past the displaced
	// instruction while everyone else is held.
	stateSinglestep
	// stateSinking drains leftover SIGSTOPs after the step is done.
	stateSinking
	// stateUglyWorkaround parks the stepping task on a trap so that
	// detach finds it on an instruction edge.
	stateUglyWorkaround
)

// pidTask is the per-task ledger of the protocol: which tasks were sent
// SIGSTOP, which stops arrived, and what bookkeeping remains. A zero pid
// marks a task that exited mid-protocol.
type pidTask struct {
	pid        libpf.PID
	sigstopped bool
	delivered  bool
	gotEvent   bool
	vforked    bool
	sysret     bool
}

type pidSet struct {
	tasks []pidTask
}

func (s *pidSet) get(pid libpf.PID) *pidTask {
	for i := range s.tasks {
		if s.tasks[i].pid == pid {
			return &s.tasks[i]
		}
	}
	return nil
}

func (s *pidSet) add(pid libpf.PID) *pidTask {
	if ti := s.get(pid); ti != nil {
		return ti
	}
	s.tasks = append(s.tasks, pidTask{pid: pid})
	return &s.tasks[len(s.tasks)-1]
}

// allStopsAccountable reports whether no live task still owes us a
// SIGSTOP delivery.
func (s *pidSet) allStopsAccountable() bool {
	for i := range s.tasks {
		ti := &s.tasks[i]
		if ti.pid != 0 && ti.sigstopped && !ti.delivered {
			return false
		}
	}
	return true
}

// markAndSinkSigstop notes the arrival of an event on the task's ledger
// entry and consumes the one SIGSTOP stop the protocol itself caused.
// Any further SIGSTOP is real and passes through.
func markAndSinkSigstop(ti *pidTask, ev *events.Event) *events.Event {
	if ti == nil {
		return ev
	}
	ti.gotEvent = true
	if ev != nil && ev.Kind == events.Signal && ev.Signum == int(unix.SIGSTOP) {
		if ti.sigstopped && !ti.delivered {
			ti.delivered = true
			return nil
		}
		log.Warnf("suspicious: %d got SIGSTOP, but sigstopped=%v and delivered=%v",
			ti.pid, ti.sigstopped, ti.delivered)
	}
	return ev
}

func statusBlocked(st ptrace.ProcessStatus) bool {
	switch st {
	case ptrace.StatusInvalid, ptrace.StatusTracingStop,
		ptrace.StatusStop, ptrace.StatusZombie:
		return true
	}
	return false
}

// sendSigstop accounts task in pids and sends it SIGSTOP unless it is
// already stopped, mid-creation, or asleep in a vfork window.
func sendSigstop(c *Coordinator, pids *pidSet, task *proc.Process) proc.CallbackStatus {
	if task.BeingCreated {
		return proc.Continue
	}
	ti := pids.add(task.Pid)
	if ti.sigstopped {
		if !ti.delivered {
			return proc.Continue
		}
		ti.delivered = false
	}

	st := c.tr.Status(task.Pid)
	if statusBlocked(st) {
		return proc.Continue
	}
	if st == ptrace.StatusSleeping && c.isVforkParent(task) {
		// The task sleeps in the kernel until its vforked child execs
		// or exits. No SIGSTOP can reach it before that.
		ti.vforked = true
		return proc.Continue
	}
	if err := c.tr.Kill(task.Pid, unix.SIGSTOP); err != nil {
		log.Warnf("couldn't send SIGSTOP to %d: %v", task.Pid, err)
		return proc.Continue
	}
	ti.sigstopped = true
	return proc.Continue
}

// taskBlocked reports Continue when task cannot produce further events:
// it is stopped, gone, or excused as a sleeping vfork parent.
func taskBlocked(c *Coordinator, pids *pidSet, task *proc.Process) proc.CallbackStatus {
	if ti := pids.get(task.Pid); ti != nil && ti.vforked {
		return proc.Continue
	}
	if statusBlocked(c.tr.Status(task.Pid)) {
		return proc.Continue
	}
	return proc.Stop
}

// StoppingCallbacks customize the stop-the-world protocol. Nil entries
// select the defaults: disable-and-singlestep once quiescent, one step,
// no parking workaround.
type StoppingCallbacks struct {
	// OnAllStopped runs once every sibling is accountably stopped.
	OnAllStopped func(*StoppingHandler)
	// KeepSteppingP is consulted after each completed step. Continue
	// requests another step, Stop proceeds to re-enablement, and Fail
	// abandons the site: the breakpoint is removed and the protocol
	// winds down without re-arming.
	KeepSteppingP func(*StoppingHandler) proc.CallbackStatus
	// UglyWorkaroundP may request the parking-trap treatment after the
	// step completes even outside shutdown.
	UglyWorkaroundP func(*StoppingHandler) bool
}

// StoppingHandler coordinates one breakpoint re-enablement cycle: the
// whole thread group is stopped, one task single-steps across the
// displaced instruction, the trap goes back in, and everyone resumes.
// Tracee events that arrive mid-cycle are queued for later replay.
type StoppingHandler struct {
	c      *Coordinator
	leader *proc.Process
	// teb is the task being enabled past the breakpoint.
	teb *proc.Process
	bp  *breakpoint.Breakpoint

	state   stoppingState
	exiting bool
	pids    pidSet
	cbs     StoppingCallbacks

	// scratch holds the one-shot sites of a software single-step.
	scratch []*breakpoint.Breakpoint
}

var _ proc.EventHandler = (*StoppingHandler)(nil)

// Task returns the task being stepped past the breakpoint.
func (h *StoppingHandler) Task() *proc.Process { return h.teb }

// Site returns the breakpoint being re-enabled.
func (h *StoppingHandler) Site() *breakpoint.Breakpoint { return h.bp }

// Coordinator returns the owning coordinator.
func (h *StoppingHandler) Coordinator() *Coordinator { return h.c }

// SetExiting marks the cycle as part of tracer shutdown: when the step
// completes the group stays stopped and is parked for detach.
func (h *StoppingHandler) SetExiting() { h.exiting = true }

// InstallStoppingHandler begins a stop-the-world cycle that steps p past
// bp and re-arms it. Zero-value callbacks select the default protocol.
func (c *Coordinator) InstallStoppingHandler(p *proc.Process, bp *breakpoint.Breakpoint,
	cbs StoppingCallbacks) error {
	if cbs.OnAllStopped == nil {
		cbs.OnAllStopped = (*StoppingHandler).DisableAndSinglestep
	}
	if cbs.KeepSteppingP == nil {
		cbs.KeepSteppingP = func(*StoppingHandler) proc.CallbackStatus { return proc.Stop }
	}
	if cbs.UglyWorkaroundP == nil {
		cbs.UglyWorkaroundP = func(*StoppingHandler) bool { return false }
	}

	h := &StoppingHandler{c: c, leader: p.Leader, teb: p, bp: bp, cbs: cbs}
	if err := c.reg.InstallHandler(p.Leader, h); err != nil {
		return err
	}
	if t := c.reg.EachTask(p.Leader, func(task *proc.Process) proc.CallbackStatus {
		return sendSigstop(c, &h.pids, task)
	}); t != nil {
		c.reg.DestroyHandler(p.Leader)
		return fmt.Errorf("couldn't stop task %d", t.Pid)
	}

	// A sole stopped task produces no further event on its own; feed
	// the machine once so it can advance immediately.
	h.OnEvent(&events.Event{Kind: events.None, Pid: p.Pid})
	return nil
}

// OnEvent advances the protocol state machine. Events consumed by the
// protocol return nil; events that belong to the tracee are queued for
// replay once the cycle completes.
func (h *StoppingHandler) OnEvent(ev *events.Event) *events.Event {
	task := h.c.reg.Pid2Proc(ev.Pid)
	ti := h.pids.get(ev.Pid)
	ev = markAndSinkSigstop(ti, ev)

	eventToQueue := !ev.IsExitOrNone()

	if ev != nil && ev.IsExit() && ti != nil {
		// The task is gone; stop expecting anything from it.
		ti.pid = 0
	}

	// Sysret bookkeeping stays live through the protocol so that the
	// syscall state of each task matches reality. The resume is owed
	// to these tasks when the cycle winds down.
	if ev != nil && ev.Kind == events.Sysret {
		eventToQueue = false
		if ti != nil {
			ti.sysret = true
		}
	}

	switch h.state {
	case stateStopping:
		if h.c.reg.EachTask(h.leader, func(t *proc.Process) proc.CallbackStatus {
			return taskBlocked(h.c, &h.pids, t)
		}) == nil {
			log.Debugf("group %d quiescent, stepping %d past %s",
				h.leader.Pid, h.teb.Pid, h.bp.Name())
			h.state = stateSinglestep
			h.cbs.OnAllStopped(h)
		}

	case stateSinglestep:
		if ev != nil && task == h.teb {
			ev = h.stepped(ti, ev)
		}

	case stateSinking:
		if awaitSigstopDelivery(h.c, ti, ev) && h.pids.allStopsAccountable() {
			h.done()
		}

	case stateUglyWorkaround:
		if ev == nil {
			break
		}
		if ev.Kind == events.Breakpoint {
			h.c.undoBreakpointEvent(ev, h.leader)
			if task == h.teb {
				h.teb = nil
			}
		}
		if h.teb == nil && h.pids.allStopsAccountable() {
			h.c.DetachProcess(h.leader)
			ev = nil
		}
	}

	if ev != nil && eventToQueue {
		h.c.queue.Enqueue(ev)
		ev = nil
	}
	return ev
}

// stepped handles an event from the stepping task while a step is in
// flight.
func (h *StoppingHandler) stepped(ti *pidTask, ev *events.Event) *events.Event {
	// The stop may come from a live site rather than from the step
	// itself. Run that site's hit callbacks before judging the step.
	if ev.Kind == events.Breakpoint {
		if other := h.c.bps.ForLeader(h.leader).Lookup(ev.Addr); other != nil {
			other.OnHit(h.teb)
		}
	}

	// A signal stop preempted the step. Queue the signal for replay and
	// try again.
	if ev.Kind == events.Signal {
		if h.step() {
			return ev
		}
		h.singlestepError()
		return h.windDown(ti, ev)
	}

	switch h.cbs.KeepSteppingP(h) {
	case proc.Continue:
		if ev.Kind == events.Breakpoint {
			ev = nil
		}
		if h.step() {
			return ev
		}
		h.singlestepError()
		return h.windDown(ti, ev)
	case proc.Fail:
		h.singlestepError()
		return h.windDown(ti, ev)
	case proc.Stop:
	}

	// Re-arm the site unless it was deleted while the trap was lifted.
	if h.bp.Refs() > 0 {
		if err := h.c.bps.ForLeader(h.leader).Enable(h.teb, h.bp); err != nil {
			log.Warnf("re-arm %s in %d: %v", h.bp.Name(), h.teb.Pid, err)
		}
	}
	return h.windDown(ti, ev)
}

// windDown finishes the step phase: tasks whose SIGSTOP is still in
// flight are continued so it can land, the step stop is consumed, and
// the protocol moves to draining.
func (h *StoppingHandler) windDown(ti *pidTask, ev *events.Event) *events.Event {
	ev = h.postSinglestep(ev)
	h.state = stateSinking
	if awaitSigstopDelivery(h.c, ti, ev) && h.pids.allStopsAccountable() {
		h.done()
	}
	return ev
}

func (h *StoppingHandler) postSinglestep(ev *events.Event) *events.Event {
	h.continueForSigstopDelivery()
	if ev != nil && ev.Kind == events.Breakpoint {
		// The step stop itself, not a tracee event.
		ev = nil
	}
	h.removeScratchSites()
	return ev
}

func (h *StoppingHandler) continueForSigstopDelivery() {
	for i := range h.pids.tasks {
		ti := &h.pids.tasks[i]
		if ti.pid == 0 || !ti.sigstopped || ti.delivered || !ti.gotEvent {
			continue
		}
		log.Debugf("continue %d for SIGSTOP delivery", ti.pid)
		if err := h.c.tr.ContSyscall(ti.pid, 0); err != nil {
			log.Debugf("continue %d: %v", ti.pid, err)
		}
	}
}

// awaitSigstopDelivery reports whether the task behind the current event
// owes no SIGSTOP any more. A task whose SIGSTOP is still in flight is
// continued so the stop can land; the signal arrives first thing after
// the resume.
func awaitSigstopDelivery(c *Coordinator, ti *pidTask, ev *events.Event) bool {
	if ev != nil && !ev.IsExitOrNone() && ti != nil && ti.sigstopped && !ti.delivered {
		log.Debugf("continue %d for SIGSTOP delivery", ti.pid)
		if err := c.tr.ContSyscall(ti.pid, 0); err != nil {
			log.Debugf("continue %d for pending stop: %v", ti.pid, err)
		}
		return false
	}
	return true
}

// done ends the cycle. Outside shutdown every task that owes a resume
// gets one and the handler retires; during shutdown the group is left
// stopped and the stepping task is parked on a trap for detach.
func (h *StoppingHandler) done() {
	log.Debugf("all stops accountable for group %d", h.leader.Pid)

	if !h.exiting {
		for i := range h.pids.tasks {
			ti := &h.pids.tasks[i]
			if ti.pid == 0 || (!ti.delivered && !ti.sysret) {
				continue
			}
			if p := h.c.reg.Pid2Proc(ti.pid); p != nil && p != h.teb {
				h.c.ContinueProcess(p)
			}
		}
		h.c.ContinueProcess(h.teb)
	}

	if h.exiting || h.cbs.UglyWorkaroundP(h) {
		h.state = stateUglyWorkaround
		h.parkOnTrap()
		return
	}
	h.c.reg.DestroyHandler(h.leader)
}

// parkOnTrap plants a trap at the stepping task's current address and
// lets it run onto it, so that detach later finds the task on an
// instruction edge.
func (h *StoppingHandler) parkOnTrap() {
	teb := h.teb
	ip, err := h.c.tr.GetIP(teb.Pid)
	if err != nil {
		log.Warnf("read IP of %d: %v", teb.Pid, err)
		return
	}
	table := h.c.bps.ForLeader(h.leader)
	if table.Lookup(ip) == nil {
		if _, err := table.Insert(teb, ip, libpf.SymbolNameUnknown); err != nil {
			log.Warnf("park %d on trap at 0x%x: %v", teb.Pid, uint64(ip), err)
		}
	}
	h.c.ContinueProcess(teb)
}

// DisableAndSinglestep is the default quiescence action: the trap is
// lifted and the stopped task steps across the displaced instruction.
func (h *StoppingHandler) DisableAndSinglestep() {
	if err := h.c.bps.ForLeader(h.leader).Disable(h.teb, h.bp); err != nil {
		log.Warnf("lift trap %s in %d: %v", h.bp.Name(), h.teb.Pid, err)
	}
	if !h.step() {
		h.singlestepError()
		h.postSinglestep(nil)
		h.state = stateSinking
		if h.pids.allStopsAccountable() {
			h.done()
		}
	}
}

// DisableAndContinue lifts the trap and resumes the task without
// stepping. The caller owns re-enablement.
func (h *StoppingHandler) DisableAndContinue() {
	if err := h.c.bps.ForLeader(h.leader).Disable(h.teb, h.bp); err != nil {
		log.Warnf("lift trap %s in %d: %v", h.bp.Name(), h.teb.Pid, err)
	}
	h.c.ContinueProcess(h.teb)
}

// singlestepError abandons a site that cannot be stepped across: the
// breakpoint is removed outright so the tracee can at least keep
// running.
func (h *StoppingHandler) singlestepError() {
	log.Warnf("%d couldn't single-step over %s", h.teb.Pid, h.bp.Name())
	table := h.c.bps.ForLeader(h.leader)
	for h.bp.Refs() > 0 {
		if err := table.Delete(h.teb, h.bp.Addr); err != nil {
			log.Debugf("drop %s: %v", h.bp.Name(), err)
			break
		}
	}
}

// step sets the stepping task in motion for exactly one instruction.
// Reports false when no stepping mechanism could be set up.
func (h *StoppingHandler) step() bool {
	if h.c.opts.SoftwareSinglestep {
		switch h.swStep() {
		case swstep.StatusOK:
			return true
		case swstep.StatusFail:
			return false
		case swstep.StatusHW:
			// Fall back to hardware stepping.
		}
	}
	h.c.suspendThreads(h.teb)
	if err := h.c.tr.Step(h.teb.Pid); err != nil {
		log.Warnf("single-step %d: %v", h.teb.Pid, err)
		h.c.resumeThreads(h.teb)
		return false
	}
	return true
}

// swStep emulates a single step with one-shot traps on every possible
// successor of the current instruction.
func (h *StoppingHandler) swStep() swstep.Status {
	ip, err := h.c.tr.GetIP(h.teb.Pid)
	if err != nil {
		log.Debugf("read IP of %d: %v", h.teb.Pid, err)
		return swstep.StatusFail
	}
	code := make([]byte, swstep.MaxInstrLen)
	if err := h.c.tr.Peek(h.teb.Pid, ip, code); err != nil {
		return swstep.StatusHW
	}
	pcs, st := swstep.NextPCs(ip, code)
	if st != swstep.StatusOK {
		return st
	}

	table := h.c.bps.ForLeader(h.leader)
	for _, pc := range pcs {
		if table.Lookup(pc) != nil {
			// An armed site already traps there.
			continue
		}
		bp, err := table.Insert(h.teb, pc, libpf.SymbolNameUnknown)
		if err != nil {
			log.Debugf("scratch trap at 0x%x: %v", uint64(pc), err)
			h.removeScratchSites()
			return swstep.StatusFail
		}
		h.scratch = append(h.scratch, bp)
	}
	if err := h.c.tr.ContSyscall(h.teb.Pid, 0); err != nil {
		log.Warnf("continue %d for step: %v", h.teb.Pid, err)
		h.removeScratchSites()
		return swstep.StatusFail
	}
	return swstep.StatusOK
}

// removeScratchSites lifts any leftover one-shot traps.
func (h *StoppingHandler) removeScratchSites() {
	if len(h.scratch) == 0 {
		return
	}
	p := h.teb
	if p == nil {
		p = h.leader
	}
	table := h.c.bps.ForLeader(h.leader)
	for _, bp := range h.scratch {
		if err := table.Delete(p, bp.Addr); err != nil {
			log.Debugf("remove scratch trap %s: %v", bp.Name(), err)
		}
	}
	h.scratch = h.scratch[:0]
}

// Destroy lifts any scratch traps still planted.
func (h *StoppingHandler) Destroy() {
	h.removeScratchSites()
}
