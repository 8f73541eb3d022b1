//go:build arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package swstep // import "go.opentelemetry.io/dyntracer/tracer/swstep"

import (
	"golang.org/x/arch/arm64/arm64asm"

	"go.opentelemetry.io/dyntracer/libpf"
)

// MaxInstrLen is the fixed instruction width.
const MaxInstrLen = 4

// NextPCs decodes the instruction at ip and returns every address where
// control can resume after it executes. Register branches and returns
// cannot be predicted and report StatusHW.
func NextPCs(ip libpf.Address, code []byte) ([]libpf.Address, Status) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return nil, StatusHW
	}
	next := ip + MaxInstrLen

	target, direct := pcrelTarget(inst, ip)

	switch inst.Op {
	case arm64asm.B, arm64asm.BL:
		if !direct {
			return nil, StatusHW
		}
		if conditional(inst) {
			return []libpf.Address{next, target}, StatusOK
		}
		return []libpf.Address{target}, StatusOK
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		if !direct {
			return nil, StatusHW
		}
		return []libpf.Address{next, target}, StatusOK
	case arm64asm.BR, arm64asm.BLR, arm64asm.RET, arm64asm.ERET:
		return nil, StatusHW
	}
	return []libpf.Address{next}, StatusOK
}

func pcrelTarget(inst arm64asm.Inst, ip libpf.Address) (libpf.Address, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			return libpf.Address(int64(ip) + int64(rel)), true
		}
	}
	return 0, false
}

func conditional(inst arm64asm.Inst) bool {
	for _, arg := range inst.Args {
		if _, ok := arg.(arm64asm.Cond); ok {
			return true
		}
	}
	return false
}
