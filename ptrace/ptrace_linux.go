//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ptrace // import "go.opentelemetry.io/dyntracer/ptrace"

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
)

// traceOptions is requested on every attached task so that forks, clones,
// execs and syscall stops are reported as distinguishable ptrace events.
const traceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEEXEC

type linuxTracer struct{}

var _ Tracer = &linuxTracer{}

// New returns the ptrace-backed Tracer. The calling goroutine is locked to
// its OS thread: the kernel requires all ptrace requests for a tracee to
// originate from the thread that attached to it.
func New() Tracer {
	runtime.LockOSThread()
	return &linuxTracer{}
}

func traceErr(op string, pid libpf.PID, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if !errors.As(err, &errno) {
		errno = unix.EIO
	}
	return &TraceError{Op: op, Pid: pid, Errno: errno}
}

func (lt *linuxTracer) Attach(pid libpf.PID) error {
	if err := unix.PtraceAttach(int(pid)); err != nil {
		return traceErr("attach", pid, err)
	}
	// The task is sent a SIGSTOP but has not necessarily stopped by the
	// time PTRACE_ATTACH returns; consume the attach-induced stop.
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(int(pid), &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return traceErr("attach-wait", pid, err)
		}
		if wpid == int(pid) && ws.Stopped() {
			break
		}
	}
	if err := unix.PtraceSetOptions(int(pid), traceOptions); err != nil {
		return traceErr("setoptions", pid, err)
	}
	return nil
}

// TraceLaunched completes tracing setup of a child that was started with
// the trace flag set: it consumes the exec-induced stop and requests the
// trace options. The child is left stopped.
func TraceLaunched(pid libpf.PID) error {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(int(pid), &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return traceErr("launch-wait", pid, err)
		}
		if wpid == int(pid) && ws.Stopped() {
			break
		}
	}
	return traceErr("setoptions", pid, unix.PtraceSetOptions(int(pid), traceOptions))
}

func (lt *linuxTracer) Detach(pid libpf.PID) error {
	return traceErr("detach", pid, unix.PtraceDetach(int(pid)))
}

func (lt *linuxTracer) Cont(pid libpf.PID, sig int) error {
	return traceErr("cont", pid, unix.PtraceCont(int(pid), sig))
}

func (lt *linuxTracer) ContSyscall(pid libpf.PID, sig int) error {
	return traceErr("syscall", pid, unix.PtraceSyscall(int(pid), sig))
}

func (lt *linuxTracer) Step(pid libpf.PID) error {
	return traceErr("singlestep", pid, unix.PtraceSingleStep(int(pid)))
}

func (lt *linuxTracer) Kill(pid libpf.PID, sig unix.Signal) error {
	tgid, err := threadGroupOf(pid)
	if err != nil {
		return traceErr("tgkill", pid, err)
	}
	return traceErr("tgkill", pid, unix.Tgkill(tgid, int(pid), sig))
}

// SuspendThread is bookkeeping only on Linux: a task in tracing-stop stays
// stopped until the tracer continues it, so there is nothing to pin.
func (lt *linuxTracer) SuspendThread(tid libpf.PID) error {
	log.Debugf("suspend thread %d (implicit on this kernel)", tid)
	return nil
}

func (lt *linuxTracer) ResumeThread(tid libpf.PID) error {
	log.Debugf("resume thread %d (implicit on this kernel)", tid)
	return nil
}

func (lt *linuxTracer) ListThreads(pid libpf.PID) ([]libpf.PID, error) {
	tidFiles, err := os.ReadDir(fmt.Sprintf("/proc/%d/task", pid))
	if err != nil {
		return nil, traceErr("list-threads", pid, unix.ESRCH)
	}
	tids := make([]libpf.PID, 0, len(tidFiles))
	for _, tidFile := range tidFiles {
		if !tidFile.IsDir() {
			continue
		}
		tid, err := strconv.Atoi(tidFile.Name())
		if err != nil {
			continue
		}
		tids = append(tids, libpf.PID(tid))
	}
	return tids, nil
}

func (lt *linuxTracer) Peek(pid libpf.PID, addr libpf.Address, buf []byte) error {
	n, err := unix.PtracePeekData(int(pid), uintptr(addr), buf)
	if err != nil {
		return traceErr("peek", pid, err)
	}
	if n != len(buf) {
		return traceErr("peek", pid, unix.EIO)
	}
	return nil
}

func (lt *linuxTracer) Poke(pid libpf.PID, addr libpf.Address, data []byte) error {
	n, err := unix.PtracePokeData(int(pid), uintptr(addr), data)
	if err != nil {
		return traceErr("poke", pid, err)
	}
	if n != len(data) {
		return traceErr("poke", pid, unix.EIO)
	}
	return nil
}

func (lt *linuxTracer) GetIP(pid libpf.PID) (libpf.Address, error) {
	ip, err := getIP(int(pid))
	if err != nil {
		return 0, traceErr("getregset", pid, err)
	}
	return ip, nil
}

func (lt *linuxTracer) GetSyscallNr(pid libpf.PID) (int, error) {
	nr, err := getSyscallNr(int(pid))
	if err != nil {
		return 0, traceErr("getregset", pid, err)
	}
	return nr, nil
}

func (lt *linuxTracer) EventMsg(pid libpf.PID) (uint64, error) {
	msg, err := unix.PtraceGetEventMsg(int(pid))
	if err != nil {
		return 0, traceErr("geteventmsg", pid, err)
	}
	return uint64(msg), nil
}

func (lt *linuxTracer) SetIP(pid libpf.PID, addr libpf.Address) error {
	if err := setIP(int(pid), addr); err != nil {
		return traceErr("setregset", pid, err)
	}
	return nil
}

// Status parses the state field of /proc/<pid>/stat. A failure to read the
// file means the task is gone.
func (lt *linuxTracer) Status(pid libpf.PID) ProcessStatus {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return StatusInvalid
	}
	// The comm field is parenthesized and may contain spaces; the state
	// character follows the closing paren.
	idx := bytes.LastIndexByte(data, ')')
	if idx < 0 || idx+2 >= len(data) {
		return StatusInvalid
	}
	switch data[idx+2] {
	case 't':
		return StatusTracingStop
	case 'T':
		return StatusStop
	case 'S', 'D':
		return StatusSleeping
	case 'Z', 'X', 'x':
		return StatusZombie
	default:
		return StatusOther
	}
}

// threadGroupOf resolves the Tgid of a task so signals can be directed at
// one thread with tgkill.
func threadGroupOf(tid libpf.PID) (int, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", tid))
	if err != nil {
		return 0, unix.ESRCH
	}
	for line := range bytes.Lines(data) {
		if rest, ok := bytes.CutPrefix(line, []byte("Tgid:")); ok {
			tgid, err := strconv.Atoi(string(bytes.TrimSpace(rest)))
			if err != nil {
				return 0, unix.ESRCH
			}
			return tgid, nil
		}
	}
	return 0, unix.ESRCH
}
