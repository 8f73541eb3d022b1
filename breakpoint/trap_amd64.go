//go:build amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package breakpoint // import "go.opentelemetry.io/dyntracer/breakpoint"

// INT3
const trapLen = 1

// TrapIPOffset is how far the processor has advanced past the trap when
// the stop is reported. Subtract it from the IP to get the site address.
const TrapIPOffset = 1

var trapInstruction = [trapLen]byte{0xCC}

// TrapInstruction exposes the planted byte sequence for verification.
func TrapInstruction() []byte {
	return trapInstruction[:]
}
