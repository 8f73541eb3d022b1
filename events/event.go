// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package events defines the canonical per-task event record and the FIFO
// queue used to park events while a coordination protocol is in flight.
package events // import "go.opentelemetry.io/dyntracer/events"

import (
	"fmt"

	"go.opentelemetry.io/dyntracer/libpf"
)

// Kind discriminates the event payload.
type Kind int

const (
	// None is the synthetic event fed to a freshly installed handler so
	// that an already-quiescent group makes progress without waiting for
	// a real notification.
	None Kind = iota
	// Breakpoint reports a trap at Addr.
	Breakpoint
	// Signal reports delivery of Signum.
	Signal
	// SyscallEntry reports a stop at syscall entry of Sysnum.
	SyscallEntry
	// Sysret reports a stop at syscall return of Sysnum.
	Sysret
	// Exit reports task exit with ExitCode.
	Exit
	// ExitSignal reports task death by Signum.
	ExitSignal
	// Exec reports a successful execve.
	Exec
	// Fork, VFork and Clone report creation of Child.
	Fork
	VFork
	Clone
)

func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Breakpoint:
		return "breakpoint"
	case Signal:
		return "signal"
	case SyscallEntry:
		return "syscall"
	case Sysret:
		return "sysret"
	case Exit:
		return "exit"
	case ExitSignal:
		return "exit-signal"
	case Exec:
		return "exec"
	case Fork:
		return "fork"
	case VFork:
		return "vfork"
	case Clone:
		return "clone"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Event is one canonicalized trace-interface notification.
type Event struct {
	Kind Kind
	// Pid identifies the originating task.
	Pid libpf.PID
	// Signum is valid for Signal and ExitSignal.
	Signum int
	// Sysnum is valid for SyscallEntry and Sysret.
	Sysnum int
	// ExitCode is valid for Exit.
	ExitCode int
	// Child is valid for Fork, VFork and Clone.
	Child libpf.PID
	// Addr is the breakpoint address for Breakpoint events.
	Addr libpf.Address
}

// IsExit reports whether e ends the task.
func (e *Event) IsExit() bool {
	return e != nil && (e.Kind == Exit || e.Kind == ExitSignal)
}

// IsExitOrNone reports whether e carries no replayable payload.
func (e *Event) IsExitOrNone() bool {
	return e == nil || e.IsExit() || e.Kind == None
}
