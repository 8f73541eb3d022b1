// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package remotememory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/remotememory"
	"go.opentelemetry.io/dyntracer/testsupport"
)

func TestReadWrite(t *testing.T) {
	tracee := testsupport.NewTracee()
	tracee.AddTask(100, 0)
	rm := remotememory.New(tracee, 100)
	require.True(t, rm.Valid())

	data := []byte{0xde, 0xad, 0xbe, 0xef}
	require.NoError(t, rm.Write(0x1000, data))

	buf := make([]byte, 4)
	require.NoError(t, rm.Read(0x1000, buf))
	require.Equal(t, data, buf)
}

func TestUint64RoundTrip(t *testing.T) {
	tracee := testsupport.NewTracee()
	tracee.AddTask(110, 0)
	rm := remotememory.New(tracee, 110)

	require.NoError(t, rm.WriteUint64(0x2000, 0x7f1234))
	value, err := rm.Uint64(0x2000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x7f1234), value)

	ptr, err := rm.Ptr(0x2000)
	require.NoError(t, err)
	require.Equal(t, libpf.Address(0x7f1234), ptr)
}

func TestUnknownTaskErrors(t *testing.T) {
	tracee := testsupport.NewTracee()
	rm := remotememory.New(tracee, 999)

	_, err := rm.Uint64(0x1000)
	require.Error(t, err)
	require.Error(t, rm.Write(0x1000, []byte{1}))
}
