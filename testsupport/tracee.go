// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package testsupport simulates a traced thread group so the coordination
// protocols can be driven without a kernel underneath.
package testsupport // import "go.opentelemetry.io/dyntracer/testsupport"

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/ptrace"
)

// Task is the simulated state of one tracee task.
type Task struct {
	IP     libpf.Address
	Status ptrace.ProcessStatus
	// Syscall is returned by GetSyscallNr.
	Syscall int
	// Msg is returned by EventMsg.
	Msg uint64

	// SigstopsSent counts SIGSTOPs delivered via Kill.
	SigstopsSent int
	// Resumes counts Cont and ContSyscall calls.
	Resumes int
	// LastSignal is the signal delivered with the most recent resume.
	LastSignal int
	// Steps counts hardware single-steps.
	Steps int
	// Suspended mirrors SuspendThread/ResumeThread.
	Suspended bool
	// Detached is set once Detach has been called.
	Detached bool
}

// Tracee simulates one shared address space and its tasks. It implements
// ptrace.Tracer; all bookkeeping is exported so tests can assert on it.
type Tracee struct {
	mem   map[libpf.Address]byte
	tasks map[libpf.PID]*Task

	// Calls is the audit trail of trace operations in call order.
	Calls []string
}

var _ ptrace.Tracer = (*Tracee)(nil)

// NewTracee returns an empty simulated tracee.
func NewTracee() *Tracee {
	return &Tracee{
		mem:   make(map[libpf.Address]byte),
		tasks: make(map[libpf.PID]*Task),
	}
}

// AddTask registers a simulated task in tracing-stop at ip.
func (st *Tracee) AddTask(pid libpf.PID, ip libpf.Address) *Task {
	task := &Task{IP: ip, Status: ptrace.StatusTracingStop}
	st.tasks[pid] = task
	return task
}

// Task returns the simulated task of pid, nil if unknown.
func (st *Tracee) Task(pid libpf.PID) *Task {
	return st.tasks[pid]
}

// SetMemory places data at addr in the simulated address space.
func (st *Tracee) SetMemory(addr libpf.Address, data []byte) {
	for i, b := range data {
		st.mem[addr+libpf.Address(i)] = b
	}
}

// Memory reads length bytes at addr from the simulated address space.
func (st *Tracee) Memory(addr libpf.Address, length int) []byte {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = st.mem[addr+libpf.Address(i)]
	}
	return buf
}

func (st *Tracee) record(format string, args ...any) {
	st.Calls = append(st.Calls, fmt.Sprintf(format, args...))
}

func (st *Tracee) task(op string, pid libpf.PID) (*Task, error) {
	task := st.tasks[pid]
	if task == nil {
		return nil, &ptrace.TraceError{Op: op, Pid: pid, Errno: unix.ESRCH}
	}
	return task, nil
}

func (st *Tracee) Attach(pid libpf.PID) error {
	task, err := st.task("attach", pid)
	if err != nil {
		return err
	}
	st.record("attach %d", pid)
	task.Status = ptrace.StatusTracingStop
	return nil
}

func (st *Tracee) Detach(pid libpf.PID) error {
	task, err := st.task("detach", pid)
	if err != nil {
		return err
	}
	st.record("detach %d", pid)
	task.Detached = true
	return nil
}

func (st *Tracee) Cont(pid libpf.PID, sig int) error {
	task, err := st.task("cont", pid)
	if err != nil {
		return err
	}
	st.record("cont %d sig %d", pid, sig)
	task.Resumes++
	task.LastSignal = sig
	task.Status = ptrace.StatusOther
	return nil
}

func (st *Tracee) ContSyscall(pid libpf.PID, sig int) error {
	task, err := st.task("syscall", pid)
	if err != nil {
		return err
	}
	st.record("cont-syscall %d sig %d", pid, sig)
	task.Resumes++
	task.LastSignal = sig
	task.Status = ptrace.StatusOther
	return nil
}

func (st *Tracee) Step(pid libpf.PID) error {
	task, err := st.task("singlestep", pid)
	if err != nil {
		return err
	}
	st.record("singlestep %d", pid)
	task.Steps++
	return nil
}

func (st *Tracee) Kill(pid libpf.PID, sig unix.Signal) error {
	task, err := st.task("tgkill", pid)
	if err != nil {
		return err
	}
	st.record("kill %d sig %d", pid, int(sig))
	if sig == unix.SIGSTOP {
		task.SigstopsSent++
	}
	return nil
}

func (st *Tracee) SuspendThread(tid libpf.PID) error {
	task, err := st.task("suspend", tid)
	if err != nil {
		return err
	}
	task.Suspended = true
	return nil
}

func (st *Tracee) ResumeThread(tid libpf.PID) error {
	task, err := st.task("resume", tid)
	if err != nil {
		return err
	}
	task.Suspended = false
	return nil
}

func (st *Tracee) ListThreads(pid libpf.PID) ([]libpf.PID, error) {
	if _, err := st.task("list-threads", pid); err != nil {
		return nil, err
	}
	tids := make([]libpf.PID, 0, len(st.tasks))
	for tid := range st.tasks {
		tids = append(tids, tid)
	}
	sort.Slice(tids, func(i, j int) bool { return tids[i] < tids[j] })
	return tids, nil
}

func (st *Tracee) Peek(pid libpf.PID, addr libpf.Address, buf []byte) error {
	if _, err := st.task("peek", pid); err != nil {
		return err
	}
	copy(buf, st.Memory(addr, len(buf)))
	return nil
}

func (st *Tracee) Poke(pid libpf.PID, addr libpf.Address, data []byte) error {
	if _, err := st.task("poke", pid); err != nil {
		return err
	}
	st.SetMemory(addr, data)
	return nil
}

func (st *Tracee) GetIP(pid libpf.PID) (libpf.Address, error) {
	task, err := st.task("getregset", pid)
	if err != nil {
		return 0, err
	}
	return task.IP, nil
}

func (st *Tracee) GetSyscallNr(pid libpf.PID) (int, error) {
	task, err := st.task("getregset", pid)
	if err != nil {
		return 0, err
	}
	return task.Syscall, nil
}

func (st *Tracee) EventMsg(pid libpf.PID) (uint64, error) {
	task, err := st.task("geteventmsg", pid)
	if err != nil {
		return 0, err
	}
	return task.Msg, nil
}

func (st *Tracee) SetIP(pid libpf.PID, addr libpf.Address) error {
	task, err := st.task("setregset", pid)
	if err != nil {
		return err
	}
	st.record("set-ip %d 0x%x", pid, uint64(addr))
	task.IP = addr
	return nil
}

func (st *Tracee) Status(pid libpf.PID) ptrace.ProcessStatus {
	task := st.tasks[pid]
	if task == nil {
		return ptrace.StatusInvalid
	}
	return task.Status
}
