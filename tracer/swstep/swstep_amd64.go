//go:build amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package swstep // import "go.opentelemetry.io/dyntracer/tracer/swstep"

import (
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/dyntracer/libpf"
)

// MaxInstrLen is the longest instruction encoding.
const MaxInstrLen = 15

// NextPCs decodes the instruction at ip and returns every address where
// control can resume after it executes. Indirect branches and returns
// cannot be predicted and report StatusHW.
func NextPCs(ip libpf.Address, code []byte) ([]libpf.Address, Status) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Op == 0 {
		return nil, StatusHW
	}
	next := ip + libpf.Address(inst.Len)

	rel, direct := relTarget(inst)
	target := libpf.Address(int64(next) + rel)

	switch inst.Op {
	case x86asm.JMP, x86asm.CALL:
		if !direct {
			return nil, StatusHW
		}
		return []libpf.Address{target}, StatusOK
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return nil, StatusHW
	}
	if condBranch[inst.Op] {
		if !direct {
			return nil, StatusHW
		}
		return []libpf.Address{next, target}, StatusOK
	}
	return []libpf.Address{next}, StatusOK
}

func relTarget(inst x86asm.Inst) (int64, bool) {
	for _, arg := range inst.Args {
		if rel, ok := arg.(x86asm.Rel); ok {
			return int64(rel), true
		}
	}
	return 0, false
}

var condBranch = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JNE: true,
	x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true, x86asm.JO: true,
	x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
	x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}
