// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package plt

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/events"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/testsupport"
	"go.opentelemetry.io/dyntracer/tracer"
)

const (
	putsEntry      = libpf.Address(0x10000)
	putsSlot       = libpf.Address(0x30000)
	putsTrampoline = libpf.Address(0x20000)
	putsTarget     = libpf.Address(0x7f1234)
)

type pltEnv struct {
	tracee  *testsupport.Tracee
	reg     *proc.Registry
	bps     *breakpoint.Set
	coord   *tracer.Coordinator
	loop    *tracer.Loop
	tracker *Tracker
}

func newPLTEnv(t *testing.T) *pltEnv {
	tracee := testsupport.NewTracee()
	reg := proc.NewRegistry()
	bps := breakpoint.NewSet(tracee)
	coord := tracer.New(tracee, reg, bps, &events.Queue{}, tracer.Options{})
	tracker, err := NewTracker(coord)
	require.NoError(t, err)
	return &pltEnv{
		tracee:  tracee,
		reg:     reg,
		bps:     bps,
		coord:   coord,
		loop:    tracer.NewLoop(coord),
		tracker: tracker,
	}
}

func (env *pltEnv) seedSlot(value libpf.Address) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))
	env.tracee.SetMemory(putsSlot, buf[:])
}

func (env *pltEnv) slotValue() libpf.Address {
	return libpf.Address(binary.LittleEndian.Uint64(
		env.tracee.Memory(putsSlot, 8)))
}

// addPuts seeds original code bytes at the PLT entry and registers the
// symbol with the given initial slot content.
func (env *pltEnv) addPuts(t *testing.T, leader *proc.Process,
	slot libpf.Address) *Symbol {
	code := make([]byte, len(breakpoint.TrapInstruction()))
	for i := range code {
		code[i] = 0x90
	}
	env.tracee.SetMemory(putsEntry, code)
	env.seedSlot(slot)
	err := env.tracker.addSymbol(leader, &LibraryEntry{
		Name:            "puts",
		EntryAddr:       putsEntry,
		SlotAddr:        putsSlot,
		TrampolineValue: putsTrampoline,
	}, 0)
	require.NoError(t, err)
	sym := env.tracker.Lookup(leader, putsEntry)
	require.NotNil(t, sym)
	return sym
}

func TestFirstCallResolution(t *testing.T) {
	env := newPLTEnv(t)
	leader, err := env.reg.Add(6000, nil, nil)
	require.NoError(t, err)
	task := env.tracee.AddTask(6000, putsEntry)

	sym := env.addPuts(t, leader, putsTrampoline)
	require.Equal(t, Unresolved, sym.State)
	require.Equal(t, breakpoint.TrapInstruction(),
		env.tracee.Memory(putsEntry, len(breakpoint.TrapInstruction())))

	// First hit: IP rewound to the entry, the slot content is remembered
	// and the resolver is single-stepped with the trap lifted.
	env.loop.Dispatch(&events.Event{
		Kind: events.Breakpoint, Pid: 6000, Addr: putsEntry})
	require.Equal(t, putsEntry, task.IP)
	require.Equal(t, putsTrampoline, sym.slotValue)
	require.NotNil(t, leader.Handler())
	require.Equal(t, 1, task.Steps)
	require.NotEqual(t, breakpoint.TrapInstruction(),
		env.tracee.Memory(putsEntry, len(breakpoint.TrapInstruction())))

	// The slot is still untouched after the first step, so stepping
	// continues.
	task.IP = 0x20010
	env.loop.Dispatch(&events.Event{
		Kind: events.Breakpoint, Pid: 6000, Addr: 0x20010})
	require.Equal(t, 2, task.Steps)
	require.Equal(t, Unresolved, sym.State)
	require.NotNil(t, leader.Handler())

	// The resolver writes the bound target into the slot. The next step
	// notices, rewrites the trampoline back and resolves the symbol.
	env.seedSlot(putsTarget)
	task.IP = 0x20020
	env.loop.Dispatch(&events.Event{
		Kind: events.Breakpoint, Pid: 6000, Addr: 0x20020})
	require.Equal(t, Resolved, sym.State)
	require.Equal(t, putsTarget, sym.ResolvedValue)
	require.Equal(t, putsTrampoline, env.slotValue())
	require.Equal(t, breakpoint.TrapInstruction(),
		env.tracee.Memory(putsEntry, len(breakpoint.TrapInstruction())))
	require.Nil(t, leader.Handler())
	require.Equal(t, 1, task.Resumes)

	// Second hit: straight jump to the target, no stepping protocol.
	env.loop.Dispatch(&events.Event{
		Kind: events.Breakpoint, Pid: 6000, Addr: putsEntry})
	require.Equal(t, putsTarget, task.IP)
	require.Nil(t, leader.Handler())
	require.Equal(t, 2, task.Steps)
	require.Equal(t, 2, task.Resumes)
	require.Equal(t, Resolved, sym.State)
}

func TestAttachTimeResolvedSlot(t *testing.T) {
	env := newPLTEnv(t)
	leader, err := env.reg.Add(6100, nil, nil)
	require.NoError(t, err)
	task := env.tracee.AddTask(6100, putsEntry)

	// The slot already carries a bound target: the symbol starts out
	// resolved and the slot is put back on the trampoline so calls keep
	// arriving at the breakpoint.
	sym := env.addPuts(t, leader, putsTarget)
	require.Equal(t, Resolved, sym.State)
	require.Equal(t, putsTarget, sym.ResolvedValue)
	require.Equal(t, putsTrampoline, env.slotValue())

	env.loop.Dispatch(&events.Event{
		Kind: events.Breakpoint, Pid: 6100, Addr: putsEntry})
	require.Equal(t, putsTarget, task.IP)
	require.Nil(t, leader.Handler())
	require.Equal(t, 0, task.Steps)
	require.Equal(t, 1, task.Resumes)
}

func TestZeroSlotIsUnresolved(t *testing.T) {
	env := newPLTEnv(t)
	leader, err := env.reg.Add(6200, nil, nil)
	require.NoError(t, err)
	env.tracee.AddTask(6200, putsEntry)

	sym := env.addPuts(t, leader, 0)
	require.Equal(t, Unresolved, sym.State)
	require.Equal(t, libpf.Address(0), env.slotValue())
}

func TestDetachRestoresResolvedSlot(t *testing.T) {
	env := newPLTEnv(t)
	leader, err := env.reg.Add(6300, nil, nil)
	require.NoError(t, err)
	task := env.tracee.AddTask(6300, putsEntry)
	env.coord.SetAttachedPids([]libpf.PID{6300})

	sym := env.addPuts(t, leader, putsTarget)
	require.Equal(t, Resolved, sym.State)
	require.Equal(t, putsTrampoline, env.slotValue())

	// Detaching restores the displaced code bytes and puts the bound
	// target back into the slot so the process never re-runs the
	// resolver.
	env.coord.DetachProcess(leader)
	require.Equal(t, putsTarget, env.slotValue())
	require.NotEqual(t, breakpoint.TrapInstruction(),
		env.tracee.Memory(putsEntry, len(breakpoint.TrapInstruction())))
	require.True(t, task.Detached)
}

func TestDetachLeavesUnresolvedSlotAlone(t *testing.T) {
	env := newPLTEnv(t)
	leader, err := env.reg.Add(6400, nil, nil)
	require.NoError(t, err)
	env.tracee.AddTask(6400, putsEntry)
	env.coord.SetAttachedPids([]libpf.PID{6400})

	sym := env.addPuts(t, leader, putsTrampoline)
	require.Equal(t, Unresolved, sym.State)

	env.coord.DetachProcess(leader)
	require.Equal(t, putsTrampoline, env.slotValue())
}
