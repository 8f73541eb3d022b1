//go:build linux && amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package ptrace // import "go.opentelemetry.io/dyntracer/ptrace"

import (
	"encoding/binary"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
)

// Layout of NT_PRSTATUS for x86-64 (struct user_regs_struct).
const (
	prStatusSize  = 27 * 8
	ripOffset     = 16 * 8
	origRaxOffset = 15 * 8
)

func getIP(tid int) (libpf.Address, error) {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return 0, err
	}
	return libpf.Address(binary.LittleEndian.Uint64(prStatus[ripOffset:])), nil
}

func getSyscallNr(tid int) (int, error) {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return 0, err
	}
	return int(int64(binary.LittleEndian.Uint64(prStatus[origRaxOffset:]))), nil
}

func setIP(tid int, addr libpf.Address) error {
	prStatus := make([]byte, prStatusSize)
	if err := ptraceGetRegset(tid, int(unix.NT_PRSTATUS), prStatus); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(prStatus[ripOffset:], uint64(addr))
	return ptraceSetRegset(tid, int(unix.NT_PRSTATUS), prStatus)
}
