// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package ptrace wraps the kernel trace interface with the small set of
// semantic operations the tracer core needs. Every operation is synchronous
// and operates on a single task; errors are returned, never latched.
package ptrace // import "go.opentelemetry.io/dyntracer/ptrace"

import (
	"fmt"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
)

// ProcessStatus describes the scheduler state of one task as visible
// through /proc. It decides whether a task needs to be signalled before it
// can be considered quiescent.
type ProcessStatus int

const (
	// StatusInvalid means the task does not exist (anymore).
	StatusInvalid ProcessStatus = iota
	// StatusTracingStop means the task is stopped under tracer control.
	StatusTracingStop
	// StatusStop means the task is in group-stop (e.g. SIGSTOP), but not
	// necessarily reported to the tracer yet.
	StatusStop
	// StatusSleeping means the task is in (possibly uninterruptible) sleep.
	StatusSleeping
	// StatusZombie means the task has exited but is not reaped yet.
	StatusZombie
	// StatusOther covers running and any state not listed above.
	StatusOther
)

func (ps ProcessStatus) String() string {
	switch ps {
	case StatusInvalid:
		return "invalid"
	case StatusTracingStop:
		return "tracing-stop"
	case StatusStop:
		return "stopped"
	case StatusSleeping:
		return "sleeping"
	case StatusZombie:
		return "zombie"
	case StatusOther:
		return "other"
	}
	return fmt.Sprintf("ProcessStatus(%d)", int(ps))
}

// TraceError is returned by all Tracer operations. Errno preserves the
// kernel errno so callers can distinguish a vanished task (ESRCH) from a
// genuine failure.
type TraceError struct {
	Op    string
	Pid   libpf.PID
	Errno unix.Errno
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("ptrace %s pid %d: %v", e.Op, e.Pid, e.Errno)
}

func (e *TraceError) Unwrap() error {
	return e.Errno
}

// Tracer is the trace-interface surface consumed by the tracer core.
//
// The production implementation issues ptrace(2) requests and must therefore
// be driven from a single locked OS thread. Tests substitute a simulated
// tracee.
type Tracer interface {
	// Attach requests tracing of pid and consumes the attach-induced stop.
	Attach(pid libpf.PID) error
	// Detach releases pid with no pending signal.
	Detach(pid libpf.PID) error
	// Cont resumes pid until the next stop, delivering sig (0 for none).
	Cont(pid libpf.PID, sig int) error
	// ContSyscall resumes pid until the next syscall boundary, delivering sig.
	ContSyscall(pid libpf.PID, sig int) error
	// Step executes one instruction of pid using hardware single-step.
	Step(pid libpf.PID) error
	// Kill sends sig to the task pid (tgkill semantics).
	Kill(pid libpf.PID, sig unix.Signal) error
	// SuspendThread pins a single task without affecting its siblings.
	// Kernel-dependent; on kernels where stopped tracees stay stopped this
	// is bookkeeping only.
	SuspendThread(tid libpf.PID) error
	// ResumeThread undoes SuspendThread.
	ResumeThread(tid libpf.PID) error
	// ListThreads returns all task IDs of the thread group led by pid.
	ListThreads(pid libpf.PID) ([]libpf.PID, error)
	// Peek reads len(buf) bytes of tracee memory at addr.
	Peek(pid libpf.PID, addr libpf.Address, buf []byte) error
	// Poke writes data to tracee memory at addr.
	Poke(pid libpf.PID, addr libpf.Address, data []byte) error
	// GetIP reads the instruction pointer of pid.
	GetIP(pid libpf.PID) (libpf.Address, error)
	// GetSyscallNr reads the syscall number of a task stopped at a
	// syscall boundary.
	GetSyscallNr(pid libpf.PID) (int, error)
	// EventMsg reads the ptrace event message of pid, e.g. the child pid
	// at a fork stop.
	EventMsg(pid libpf.PID) (uint64, error)
	// SetIP writes the instruction pointer of pid.
	SetIP(pid libpf.PID, addr libpf.Address) error
	// Status reports the /proc scheduler state of pid.
	Status(pid libpf.PID) ProcessStatus
}
