//go:build arm64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package breakpoint // import "go.opentelemetry.io/dyntracer/breakpoint"

// BRK #0
const trapLen = 4

// TrapIPOffset is zero: BRK reports the stop with the PC still on the
// trap instruction.
const TrapIPOffset = 0

var trapInstruction = [trapLen]byte{0x00, 0x00, 0x20, 0xD4}

// TrapInstruction exposes the planted byte sequence for verification.
func TrapInstruction() []byte {
	return trapInstruction[:]
}
