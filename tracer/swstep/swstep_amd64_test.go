//go:build amd64

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package swstep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/libpf"
)

func TestNextPCs(t *testing.T) {
	const ip = libpf.Address(0x400000)

	tests := []struct {
		name   string
		code   []byte
		pcs    []libpf.Address
		status Status
	}{
		{
			name:   "plain instruction",
			code:   []byte{0x90}, // nop
			pcs:    []libpf.Address{ip + 1},
			status: StatusOK,
		},
		{
			name:   "direct jump",
			code:   []byte{0xeb, 0x05}, // jmp +5
			pcs:    []libpf.Address{ip + 2 + 5},
			status: StatusOK,
		},
		{
			name:   "direct call",
			code:   []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, // call +0x100
			pcs:    []libpf.Address{ip + 5 + 0x100},
			status: StatusOK,
		},
		{
			name:   "conditional branch",
			code:   []byte{0x74, 0x05}, // je +5
			pcs:    []libpf.Address{ip + 2, ip + 2 + 5},
			status: StatusOK,
		},
		{
			name:   "return",
			code:   []byte{0xc3}, // ret
			status: StatusHW,
		},
		{
			name:   "indirect jump",
			code:   []byte{0xff, 0xe0}, // jmp rax
			status: StatusHW,
		},
		{
			name:   "undecodable",
			code:   []byte{0x0f},
			status: StatusHW,
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pcs, status := NextPCs(ip, test.code)
			require.Equal(t, test.status, status)
			require.Equal(t, test.pcs, pcs)
		})
	}
}
