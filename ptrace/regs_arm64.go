//go:build linux && arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ptrace // import "go.opentelemetry.io/dyntracer/ptrace"

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
)

// Layout of NT_PRSTATUS for aarch64 (struct user_pt_regs):
// regs[31], sp, pc, pstate.
const (
	prStatusSize = 34 * 8
	pcOffset     = 32 * 8
	x8Offset     = 8 * 8
)

func getIP(tid int) (libpf.Address, error) {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(prStatus[pcOffset:])), nil
}

// getSyscallNr reads x8, which carries the syscall number on aarch64.
func getSyscallNr(tid int) (int, error) {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return 0, err
	}
	return int(int64(binary.LittleEndian.Uint64(prStatus[x8Offset:]))), nil
}

func setIP(tid int, addr libpf.Address) error {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(prStatus[pcOffset:], uint64(addr))
	return ptraceSetRegset(tid, int(unix.NT_PRSTATUS), prStatus)
}
