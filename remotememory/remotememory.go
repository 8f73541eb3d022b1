// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// remotememory provides access to the memory space of a traced process.
// Accesses go through the tracing primitives so they are only valid while
// the target task is stopped.
package remotememory // import "go.opentelemetry.io/dyntracer/remotememory"

import (
	"encoding/binary"

	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/ptrace"
)

// RemoteMemory implements a set of convenience functions to access the
// remote memory of one traced task.
type RemoteMemory struct {
	tr  ptrace.Tracer
	pid libpf.PID
}

// New returns a RemoteMemory reading and writing through tr on behalf of pid.
func New(tr ptrace.Tracer, pid libpf.PID) RemoteMemory {
	return RemoteMemory{tr: tr, pid: pid}
}

// Valid determines if this RemoteMemory instance contains a valid reference
// to a target process.
func (rm RemoteMemory) Valid() bool {
	return rm.tr != nil
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr libpf.Address, p []byte) error {
	return rm.tr.Peek(rm.pid, addr, p)
}

// Write copies p[] into remote memory at address addr.
func (rm RemoteMemory) Write(addr libpf.Address, p []byte) error {
	return rm.tr.Poke(rm.pid, addr, p)
}

// Ptr reads a native pointer from remote memory.
func (rm RemoteMemory) Ptr(addr libpf.Address) (libpf.Address, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(buf[:])), nil
}

// Uint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint64(addr libpf.Address) (uint64, error) {
	var buf [8]byte
	if err := rm.Read(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores a 64-bit unsigned integer into remote memory.
func (rm RemoteMemory) WriteUint64(addr libpf.Address, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return rm.Write(addr, buf[:])
}
