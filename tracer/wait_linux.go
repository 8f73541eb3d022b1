//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package tracer // import "go.opentelemetry.io/dyntracer/tracer"

import (
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
)

// sigSyscallStop is what a syscall stop looks like with TRACESYSGOOD.
const sigSyscallStop = unix.SIGTRAP | 0x80

// NextEvent blocks until any traced task changes state and canonicalizes
// the raw wait status into an Event.
func (l *Loop) NextEvent() (*events.Event, error) {
	var ws unix.WaitStatus
	for {
		pid, err := unix.Wait4(-1, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		return l.canonicalize(libpf.PID(pid), ws), nil
	}
}

func (l *Loop) canonicalize(pid libpf.PID, ws unix.WaitStatus) *events.Event {
	ev := &events.Event{Pid: pid}
	switch {
	case ws.Exited():
		ev.Kind = events.Exit
		ev.ExitCode = ws.ExitStatus()
	case ws.Signaled():
		ev.Kind = events.ExitSignal
		ev.Signum = int(ws.Signal())
	case ws.Stopped():
		l.canonicalizeStop(ev, ws)
	}
	return ev
}

func (l *Loop) canonicalizeStop(ev *events.Event, ws unix.WaitStatus) {
	sig := ws.StopSignal()
	if sig == sigSyscallStop {
		l.canonicalizeSyscall(ev)
		return
	}
	if sig == unix.SIGTRAP {
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_FORK:
			ev.Kind = events.Fork
			ev.Child = l.eventChild(ev.Pid)
			return
		case unix.PTRACE_EVENT_VFORK:
			ev.Kind = events.VFork
			ev.Child = l.eventChild(ev.Pid)
			return
		case unix.PTRACE_EVENT_CLONE:
			ev.Kind = events.Clone
			ev.Child = l.eventChild(ev.Pid)
			return
		case unix.PTRACE_EVENT_EXEC:
			ev.Kind = events.Exec
			return
		}
		// Plain SIGTRAP: a planted trap or a completed single-step. The
		// processor may have advanced past the trap instruction.
		if ip, err := l.c.tr.GetIP(ev.Pid); err == nil {
			ev.Kind = events.Breakpoint
			ev.Addr = ip - breakpoint.TrapIPOffset
			return
		}
	}
	ev.Kind = events.Signal
	ev.Signum = int(sig)
}

// canonicalizeSyscall toggles the entry/return phase of the stopped task.
func (l *Loop) canonicalizeSyscall(ev *events.Event) {
	nr, err := l.c.tr.GetSyscallNr(ev.Pid)
	if err != nil {
		nr = -1
	}
	ev.Sysnum = nr
	p := l.c.reg.Pid2Proc(ev.Pid)
	if p != nil && p.InSyscall {
		ev.Kind = events.Sysret
		p.InSyscall = false
		return
	}
	ev.Kind = events.SyscallEntry
	if p != nil {
		p.InSyscall = true
	}
}

func (l *Loop) eventChild(pid libpf.PID) libpf.PID {
	msg, err := l.c.tr.EventMsg(pid)
	if err != nil {
		return 0
	}
	return libpf.PID(msg)
}

// Run dispatches events until no traced task remains.
func (l *Loop) Run() error {
	for !l.c.reg.Empty() {
		ev, err := l.NextEvent()
		if err == unix.ECHILD {
			return nil
		}
		if err != nil {
			return err
		}
		l.Dispatch(ev)
	}
	return nil
}
