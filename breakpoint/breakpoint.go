// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package breakpoint maintains the per-leader table of software
// breakpoints: trap planting and removal, reference counting, and the
// callback vector invoked on hit, continue and retract.
package breakpoint // import "go.opentelemetry.io/dyntracer/breakpoint"

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/dyntracer/libpf"
	"go.opentelemetry.io/dyntracer/proc"
	"go.opentelemetry.io/dyntracer/ptrace"
)

// Callbacks customize breakpoint behavior. Any entry may be nil, in which
// case the dispatcher applies its default policy.
type Callbacks struct {
	// OnHit runs when a breakpoint event arrives at this address.
	OnHit func(bp *Breakpoint, p *proc.Process)
	// OnContinue runs when the hit handler decides to resume. When nil,
	// the dispatcher resumes through the stop-the-world coordination.
	OnContinue func(bp *Breakpoint, p *proc.Process)
	// OnRetract runs during detach-time cleanup.
	OnRetract func(bp *Breakpoint, p *proc.Process)
}

// Breakpoint is one software breakpoint site. The trap instruction is in
// place exactly while armed is set; orig always holds the displaced bytes
// once the site has been armed at least once.
type Breakpoint struct {
	Addr libpf.Address
	// Symbol is the decoded name for sites planted on known symbols,
	// empty for scratch breakpoints.
	Symbol libpf.SymbolName

	cbs   Callbacks
	orig  [trapLen]byte
	refs  int
	armed bool
}

// Armed reports whether the trap instruction is currently in place.
func (bp *Breakpoint) Armed() bool {
	return bp.armed
}

// Refs returns the current insertion reference count.
func (bp *Breakpoint) Refs() int {
	return bp.refs
}

// SetCallbacks replaces the callback vector of bp.
func (bp *Breakpoint) SetCallbacks(cbs Callbacks) {
	bp.cbs = cbs
}

// OnHit invokes the hit callback, if any.
func (bp *Breakpoint) OnHit(p *proc.Process) {
	if bp.cbs.OnHit != nil {
		bp.cbs.OnHit(bp, p)
	}
}

// HasContinueCB reports whether a custom continue policy is attached.
func (bp *Breakpoint) HasContinueCB() bool {
	return bp.cbs.OnContinue != nil
}

// OnContinue invokes the custom continue callback.
func (bp *Breakpoint) OnContinue(p *proc.Process) {
	bp.cbs.OnContinue(bp, p)
}

// OnRetract invokes the retract callback, if any.
func (bp *Breakpoint) OnRetract(p *proc.Process) {
	if bp.cbs.OnRetract != nil {
		bp.cbs.OnRetract(bp, p)
	}
}

// Name returns a printable identifier for diagnostics.
func (bp *Breakpoint) Name() string {
	if bp.Symbol != libpf.SymbolNameUnknown {
		return string(bp.Symbol)
	}
	return fmt.Sprintf("0x%x", uint64(bp.Addr))
}

// Table holds the breakpoints of one thread group.
type Table struct {
	tr  ptrace.Tracer
	bps map[libpf.Address]*Breakpoint
}

// NewTable returns an empty table writing through tr.
func NewTable(tr ptrace.Tracer) *Table {
	return &Table{tr: tr, bps: make(map[libpf.Address]*Breakpoint)}
}

// Lookup returns the breakpoint at addr, nil if none.
func (t *Table) Lookup(addr libpf.Address) *Breakpoint {
	return t.bps[addr]
}

// Insert plants a breakpoint at addr in the group of p. Inserting at an
// existing address increments the reference count and returns the existing
// breakpoint. The trap instruction is written when the count first becomes
// positive.
func (t *Table) Insert(p *proc.Process, addr libpf.Address,
	sym libpf.SymbolName) (*Breakpoint, error) {
	bp := t.bps[addr]
	if bp == nil {
		bp = &Breakpoint{Addr: addr, Symbol: sym}
		t.bps[addr] = bp
	}
	bp.refs++
	if bp.refs == 1 && !bp.armed {
		if err := t.Enable(p, bp); err != nil {
			bp.refs--
			if bp.refs == 0 {
				delete(t.bps, addr)
			}
			return nil, err
		}
	}
	return bp, nil
}

// Delete drops one reference from the breakpoint at addr, restoring the
// original bytes and removing the entry when the count reaches zero.
func (t *Table) Delete(p *proc.Process, addr libpf.Address) error {
	bp := t.bps[addr]
	if bp == nil {
		return fmt.Errorf("no breakpoint at 0x%x", uint64(addr))
	}
	bp.refs--
	if bp.refs > 0 {
		return nil
	}
	delete(t.bps, addr)
	if bp.armed {
		return t.Disable(p, bp)
	}
	return nil
}

// Enable writes the trap instruction at bp.Addr, saving the displaced
// original bytes first.
func (t *Table) Enable(p *proc.Process, bp *Breakpoint) error {
	if bp.armed {
		return nil
	}
	if err := t.tr.Peek(p.Pid, bp.Addr, bp.orig[:]); err != nil {
		return fmt.Errorf("save original bytes of %s: %w", bp.Name(), err)
	}
	if err := t.tr.Poke(p.Pid, bp.Addr, trapInstruction[:]); err != nil {
		return fmt.Errorf("plant trap at %s: %w", bp.Name(), err)
	}
	bp.armed = true
	return nil
}

// Disable restores the original bytes at bp.Addr.
func (t *Table) Disable(p *proc.Process, bp *Breakpoint) error {
	if !bp.armed {
		return nil
	}
	if err := t.tr.Poke(p.Pid, bp.Addr, bp.orig[:]); err != nil {
		return fmt.Errorf("restore bytes at %s: %w", bp.Name(), err)
	}
	bp.armed = false
	return nil
}

// DisableAll restores original bytes at every armed site. Reference counts
// are unchanged; this is the detach-time sweep.
func (t *Table) DisableAll(p *proc.Process) {
	for _, bp := range t.bps {
		if err := t.Disable(p, bp); err != nil {
			log.Warnf("disable %s: %v", bp.Name(), err)
		}
	}
}

// CloneInto copies every breakpoint record of t into dst. Used after fork:
// the child inherited a copy of the address space, so planted traps and
// their displaced bytes are already physically present.
func (t *Table) CloneInto(dst *Table) {
	for addr, bp := range t.bps {
		clone := &Breakpoint{
			Addr:   bp.Addr,
			Symbol: bp.Symbol,
			cbs:    bp.cbs,
			orig:   bp.orig,
			refs:   bp.refs,
			armed:  bp.armed,
		}
		dst.bps[addr] = clone
	}
}

// Each visits every breakpoint of the table.
func (t *Table) Each(fn func(*Breakpoint)) {
	for _, bp := range t.bps {
		fn(bp)
	}
}

// Set maps thread-group leaders to their breakpoint tables.
type Set struct {
	tr     ptrace.Tracer
	tables map[*proc.Process]*Table
}

func NewSet(tr ptrace.Tracer) *Set {
	return &Set{tr: tr, tables: make(map[*proc.Process]*Table)}
}

// ForLeader returns the table of leader, creating it on first use.
func (s *Set) ForLeader(leader *proc.Process) *Table {
	t := s.tables[leader]
	if t == nil {
		t = NewTable(s.tr)
		s.tables[leader] = t
	}
	return t
}

// DropLeader forgets the table of leader.
func (s *Set) DropLeader(leader *proc.Process) {
	delete(s.tables, leader)
}
