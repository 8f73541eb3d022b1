// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package plt

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/libpf"
)

func TestPLTEntryLayout(t *testing.T) {
	const pltBase = libpf.Address(0x1000)

	tests := []struct {
		name       string
		machine    elf.Machine
		ndx        int
		entryAddr  libpf.Address
		trampoline libpf.Address
	}{
		{
			name:       "x86-64 first entry",
			machine:    elf.EM_X86_64,
			ndx:        0,
			entryAddr:  pltBase + 16,
			trampoline: pltBase + 16 + 6,
		},
		{
			name:       "x86-64 third entry",
			machine:    elf.EM_X86_64,
			ndx:        2,
			entryAddr:  pltBase + 48,
			trampoline: pltBase + 48 + 6,
		},
		{
			name:       "aarch64 first entry",
			machine:    elf.EM_AARCH64,
			ndx:        0,
			entryAddr:  pltBase + 32,
			trampoline: pltBase,
		},
		{
			name:       "aarch64 third entry",
			machine:    elf.EM_AARCH64,
			ndx:        2,
			entryAddr:  pltBase + 64,
			trampoline: pltBase,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			entryAddr, trampoline, err := pltEntryLayout(
				test.machine, pltBase, test.ndx)
			require.NoError(t, err)
			require.Equal(t, test.entryAddr, entryAddr)
			require.Equal(t, test.trampoline, trampoline)
		})
	}
}

func TestPLTEntryLayoutUnsupportedMachine(t *testing.T) {
	_, _, err := pltEntryLayout(elf.EM_RISCV, 0x1000, 0)
	require.Error(t, err)
}
