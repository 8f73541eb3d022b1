// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package breakpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/testsupport"
)

type tableEnv struct {
	tracee *testsupport.Tracee
	reg    *proc.Registry
	table  *Table
	leader *proc.Process
}

func newTableEnv(t *testing.T, pid libpf.PID) *tableEnv {
	tracee := testsupport.NewTracee()
	reg := proc.NewRegistry()
	leader, err := reg.Add(pid, nil, nil)
	require.NoError(t, err)
	tracee.AddTask(pid, 0)
	return &tableEnv{
		tracee: tracee,
		reg:    reg,
		table:  NewTable(tracee),
		leader: leader,
	}
}

func (env *tableEnv) seedCode(addr libpf.Address, b byte) []byte {
	code := make([]byte, trapLen)
	for i := range code {
		code[i] = b
	}
	env.tracee.SetMemory(addr, code)
	return code
}

func (env *tableEnv) bytesAt(addr libpf.Address) []byte {
	return env.tracee.Memory(addr, trapLen)
}

func TestInsertPlantsTrap(t *testing.T) {
	env := newTableEnv(t, 100)
	code := env.seedCode(0x1000, 0x90)

	bp, err := env.table.Insert(env.leader, 0x1000, "target")
	require.NoError(t, err)
	require.True(t, bp.Armed())
	require.Equal(t, 1, bp.Refs())
	require.Equal(t, trapInstruction[:], env.bytesAt(0x1000))
	require.Same(t, bp, env.table.Lookup(0x1000))

	require.NoError(t, env.table.Delete(env.leader, 0x1000))
	require.Equal(t, code, env.bytesAt(0x1000))
	require.Nil(t, env.table.Lookup(0x1000))
}

func TestInsertRefCounting(t *testing.T) {
	env := newTableEnv(t, 110)
	env.seedCode(0x1000, 0x90)

	first, err := env.table.Insert(env.leader, 0x1000, "target")
	require.NoError(t, err)
	second, err := env.table.Insert(env.leader, 0x1000, "target")
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 2, first.Refs())

	// Dropping one reference keeps the trap in place.
	require.NoError(t, env.table.Delete(env.leader, 0x1000))
	require.True(t, first.Armed())
	require.Equal(t, trapInstruction[:], env.bytesAt(0x1000))

	require.NoError(t, env.table.Delete(env.leader, 0x1000))
	require.False(t, first.Armed())
	require.Nil(t, env.table.Lookup(0x1000))

	require.Error(t, env.table.Delete(env.leader, 0x1000))
}

func TestEnableDisableRoundTrip(t *testing.T) {
	env := newTableEnv(t, 120)
	code := env.seedCode(0x2000, 0xc3)

	bp, err := env.table.Insert(env.leader, 0x2000, "")
	require.NoError(t, err)

	// Disable restores the displaced bytes exactly; Enable puts the trap
	// back. Both are idempotent.
	require.NoError(t, env.table.Disable(env.leader, bp))
	require.Equal(t, code, env.bytesAt(0x2000))
	require.NoError(t, env.table.Disable(env.leader, bp))
	require.Equal(t, code, env.bytesAt(0x2000))

	require.NoError(t, env.table.Enable(env.leader, bp))
	require.Equal(t, trapInstruction[:], env.bytesAt(0x2000))
	require.NoError(t, env.table.Enable(env.leader, bp))
	require.Equal(t, 1, bp.Refs())
}

func TestDisableAll(t *testing.T) {
	env := newTableEnv(t, 130)
	codeA := env.seedCode(0x3000, 0x11)
	codeB := env.seedCode(0x4000, 0x22)

	a, err := env.table.Insert(env.leader, 0x3000, "a")
	require.NoError(t, err)
	b, err := env.table.Insert(env.leader, 0x4000, "b")
	require.NoError(t, err)

	env.table.DisableAll(env.leader)
	require.False(t, a.Armed())
	require.False(t, b.Armed())
	require.Equal(t, codeA, env.bytesAt(0x3000))
	require.Equal(t, codeB, env.bytesAt(0x4000))

	// Reference counts survive the sweep.
	require.Equal(t, 1, a.Refs())
	require.Equal(t, 1, b.Refs())
}

func TestInsertFailsForUnknownTask(t *testing.T) {
	env := newTableEnv(t, 140)
	stranger, err := env.reg.Add(999, nil, nil)
	require.NoError(t, err)

	_, err = env.table.Insert(stranger, 0x1000, "")
	require.Error(t, err)
	require.Nil(t, env.table.Lookup(0x1000))
}

func TestCloneInto(t *testing.T) {
	env := newTableEnv(t, 150)
	env.seedCode(0x5000, 0x90)

	bp, err := env.table.Insert(env.leader, 0x5000, "shared")
	require.NoError(t, err)
	var hits int
	bp.SetCallbacks(Callbacks{
		OnHit: func(*Breakpoint, *proc.Process) { hits++ },
	})

	child := NewTable(env.tracee)
	env.table.CloneInto(child)

	clone := child.Lookup(0x5000)
	require.NotNil(t, clone)
	require.NotSame(t, bp, clone)
	require.True(t, clone.Armed())
	require.Equal(t, 1, clone.Refs())
	require.Equal(t, libpf.SymbolName("shared"), clone.Symbol)

	// The callback vector travels with the clone.
	clone.OnHit(env.leader)
	require.Equal(t, 1, hits)

	// Disabling the clone restores the bytes the parent displaced.
	require.NoError(t, child.Disable(env.leader, clone))
	require.Equal(t, []byte{0x90, 0x90, 0x90, 0x90}[:trapLen],
		env.bytesAt(0x5000))
}

func TestBreakpointName(t *testing.T) {
	named := &Breakpoint{Addr: 0x1234, Symbol: "malloc"}
	require.Equal(t, "malloc", named.Name())

	anon := &Breakpoint{Addr: 0x1234}
	require.Equal(t, "0x1234", anon.Name())
}

func TestSetPerLeaderTables(t *testing.T) {
	tracee := testsupport.NewTracee()
	reg := proc.NewRegistry()
	a, _ := reg.Add(160, nil, nil)
	b, _ := reg.Add(161, nil, nil)

	set := NewSet(tracee)
	ta := set.ForLeader(a)
	require.Same(t, ta, set.ForLeader(a))
	require.NotSame(t, ta, set.ForLeader(b))

	set.DropLeader(a)
	require.NotSame(t, ta, set.ForLeader(a))
}
