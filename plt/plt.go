// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package plt tracks lazily bound procedure-linkage-table symbols. A
// breakpoint is planted on every PLT entry; the first call of a symbol
// single-steps the dynamic resolver under stop-the-world coordination until
// the GOT slot changes, then the slot is rewritten to its trampoline value
// so sibling threads keep tripping the breakpoint while the resolved target
// is served from the symbol record.
package plt // import "go.opentelemetry.io/dyntracer/plt"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/dyntracer/breakpoint"
	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/remotememory"
	"go.opentelemetry.io/dyntracer/tracer"
)

// SymbolState is the lazy-binding state of one PLT symbol.
type SymbolState int

const (
	// Unresolved means the GOT slot still points at the resolver
	// trampoline (or is zero) and the target is unknown.
	Unresolved SymbolState = iota
	// Resolved means the target address is known. A symbol never moves
	// back to Unresolved.
	Resolved
)

func (s SymbolState) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "unresolved"
}

// Symbol is the tracking record of one PLT entry. All addresses are runtime
// addresses, load bias already applied.
type Symbol struct {
	Name      libpf.SymbolName
	EntryAddr libpf.Address
	SlotAddr  libpf.Address
	// TrampolineValue is the slot content that keeps lazy binding pending.
	TrampolineValue libpf.Address
	// ResolvedValue is the bound target, valid once State is Resolved.
	ResolvedValue libpf.Address
	State         SymbolState

	// slotValue is the last observed slot content while the resolver is
	// being stepped.
	slotValue libpf.Address
}

// Tracker owns the PLT symbols of the groups of one Coordinator, keyed by
// PLT entry address per leader.
type Tracker struct {
	c      *tracer.Coordinator
	parser *Parser
	syms   map[*proc.Process]map[libpf.Address]*Symbol
}

// NewTracker returns a Tracker planting through c.
func NewTracker(c *tracer.Coordinator) (*Tracker, error) {
	parser, err := NewParser()
	if err != nil {
		return nil, err
	}
	return &Tracker{
		c:      c,
		parser: parser,
		syms:   make(map[*proc.Process]map[libpf.Address]*Symbol),
	}, nil
}

// AddLibrary parses the ELF file at path, classifies every PLT symbol and
// plants the entry breakpoints in the group of p. bias is the load bias of
// the mapping.
func (t *Tracker) AddLibrary(p *proc.Process, path string,
	bias libpf.Address) error {
	lib, err := t.parser.Parse(path)
	if err != nil {
		return err
	}
	for i := range lib.Entries {
		if err := t.addSymbol(p, &lib.Entries[i], bias); err != nil {
			return fmt.Errorf("add %s: %w", lib.Entries[i].Name, err)
		}
	}
	return nil
}

// addSymbol classifies one entry and plants its breakpoint. A slot that
// already carries a bound target means the symbol was resolved before we
// attached; the slot is rewritten back to the trampoline so calls keep
// arriving at our breakpoint, and the target is remembered.
func (t *Tracker) addSymbol(p *proc.Process, entry *LibraryEntry,
	bias libpf.Address) error {
	sym := &Symbol{
		Name:            entry.Name,
		EntryAddr:       entry.EntryAddr + bias,
		SlotAddr:        entry.SlotAddr + bias,
		TrampolineValue: entry.TrampolineValue + bias,
	}

	rm := remotememory.New(t.c.Tracer(), p.Leader.Pid)
	slot, err := rm.Uint64(sym.SlotAddr)
	if err != nil {
		return fmt.Errorf("read slot 0x%x: %w", uint64(sym.SlotAddr), err)
	}
	switch libpf.Address(slot) {
	case 0, sym.TrampolineValue:
		sym.State = Unresolved
	default:
		sym.State = Resolved
		sym.ResolvedValue = libpf.Address(slot)
		if err := rm.WriteUint64(sym.SlotAddr,
			uint64(sym.TrampolineValue)); err != nil {
			return fmt.Errorf("unresolve slot 0x%x: %w",
				uint64(sym.SlotAddr), err)
		}
	}

	table := t.c.Breakpoints().ForLeader(p.Leader)
	bp, err := table.Insert(p.Leader, sym.EntryAddr, sym.Name)
	if err != nil {
		return err
	}
	bp.SetCallbacks(breakpoint.Callbacks{
		OnHit:      t.onHit,
		OnContinue: t.onContinue,
		OnRetract:  t.onRetract,
	})

	group := t.syms[p.Leader]
	if group == nil {
		group = make(map[libpf.Address]*Symbol)
		t.syms[p.Leader] = group
	}
	group[sym.EntryAddr] = sym
	log.Debugf("PLT symbol %s at 0x%x: %v", sym.Name,
		uint64(sym.EntryAddr), sym.State)
	return nil
}

// Lookup returns the symbol planted at addr in the group of leader.
func (t *Tracker) Lookup(leader *proc.Process, addr libpf.Address) *Symbol {
	return t.syms[leader][addr]
}

func (t *Tracker) symbolOf(bp *breakpoint.Breakpoint,
	p *proc.Process) *Symbol {
	return t.syms[p.Leader][bp.Addr]
}

// onHit is the user-visible side of the tracer: one line per library call.
func (t *Tracker) onHit(bp *breakpoint.Breakpoint, p *proc.Process) {
	log.Infof("%d %s()", p.Pid, bp.Name())
}

// onContinue resumes after a PLT breakpoint hit. Resolved symbols bypass
// the PLT entirely; unresolved symbols step the resolver under the stop
// protocol until the slot changes.
func (t *Tracker) onContinue(bp *breakpoint.Breakpoint, p *proc.Process) {
	sym := t.symbolOf(bp, p)
	if sym == nil {
		t.c.ContinueAfterBreakpoint(p, bp)
		return
	}
	if sym.State == Resolved {
		if err := t.c.Tracer().SetIP(p.Pid, sym.ResolvedValue); err != nil {
			log.Warnf("jump %d to %s: %v", p.Pid, bp.Name(), err)
			t.c.ContinueAfterBreakpoint(p, bp)
			return
		}
		t.c.ContinueProcess(p)
		return
	}

	// First call. Remember the current slot content and step the resolver
	// until it changes.
	if err := t.c.Tracer().SetIP(p.Pid, bp.Addr); err != nil {
		log.Warnf("rewind %d to %s: %v", p.Pid, bp.Name(), err)
	}
	rm := remotememory.New(t.c.Tracer(), p.Pid)
	slot, err := rm.Uint64(sym.SlotAddr)
	if err != nil {
		log.Warnf("read slot of %s: %v", bp.Name(), err)
		t.c.ContinueProcess(p)
		return
	}
	sym.slotValue = libpf.Address(slot)
	err = t.c.InstallStoppingHandler(p, bp, tracer.StoppingCallbacks{
		KeepSteppingP: t.keepStepping,
	})
	if err != nil {
		log.Warnf("stop protocol for %s: %v", bp.Name(), err)
		t.c.ContinueProcess(p)
	}
}

// keepStepping polls the GOT slot after every resolver step. While the slot
// is unchanged the resolver is still running. Once it changes the binding is
// done: the slot is rewritten back to the trampoline, the target recorded,
// and the symbol moves to Resolved for good.
func (t *Tracker) keepStepping(h *tracer.StoppingHandler) proc.CallbackStatus {
	task := h.Task()
	sym := t.symbolOf(h.Site(), task)
	if sym == nil {
		return proc.Stop
	}
	rm := remotememory.New(t.c.Tracer(), task.Pid)
	slot, err := rm.Uint64(sym.SlotAddr)
	if err != nil {
		log.Warnf("read slot of %s: %v", sym.Name, err)
		return proc.Fail
	}
	if libpf.Address(slot) == sym.slotValue {
		return proc.Continue
	}
	if err := rm.WriteUint64(sym.SlotAddr,
		uint64(sym.TrampolineValue)); err != nil {
		log.Warnf("unresolve slot of %s: %v", sym.Name, err)
		return proc.Fail
	}
	sym.ResolvedValue = libpf.Address(slot)
	sym.State = Resolved
	log.Debugf("PLT symbol %s resolved to 0x%x", sym.Name,
		uint64(sym.ResolvedValue))
	return proc.Stop
}

// onRetract puts the bound target back into the slot of a resolved symbol
// so the detached process does not run the resolver again.
func (t *Tracker) onRetract(bp *breakpoint.Breakpoint, p *proc.Process) {
	sym := t.symbolOf(bp, p)
	if sym == nil || sym.State != Resolved {
		return
	}
	rm := remotememory.New(t.c.Tracer(), p.Leader.Pid)
	if err := rm.WriteUint64(sym.SlotAddr,
		uint64(sym.ResolvedValue)); err != nil {
		log.Debugf("restore slot of %s: %v", sym.Name, err)
	}
}

// DropLeader forgets the symbols of the group of leader.
func (t *Tracker) DropLeader(leader *proc.Process) {
	delete(t.syms, leader)
}
