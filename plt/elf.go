// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package plt // import "go.opentelemetry.io/dyntracer/plt"

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	lru "github.com/elastic/go-freelru"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/dyntracer/libpf"
)

const (
	// libraryCacheSize bounds the number of parsed ELF files kept around.
	libraryCacheSize = 128

	// relaEntrySize is sizeof(Elf64_Rela).
	relaEntrySize = 24

	// x86-64 lazy PLT layout: PLT0 is the resolver push/jmp pair, entries
	// follow at 16-byte stride. The slot of an unbound entry points back at
	// the push instruction 6 bytes into its PLT entry.
	x8664PLTEntrySize  = 16
	x8664PLT0Size      = 16
	x8664TrampolineOff = 6

	// aarch64 layout: PLT0 occupies 32 bytes, entries follow at 16-byte
	// stride. Unbound slots point at PLT0.
	aarch64PLTEntrySize = 16
	aarch64PLT0Size     = 32
)

// LibraryEntry is one lazily bound import of an ELF file. All addresses are
// file virtual addresses; callers add the load bias.
type LibraryEntry struct {
	// Name is the dynamic symbol the entry resolves to.
	Name libpf.SymbolName
	// EntryAddr is the address of the PLT entry code.
	EntryAddr libpf.Address
	// SlotAddr is the GOT slot the resolver rewrites.
	SlotAddr libpf.Address
	// TrampolineValue is the slot content that means "not yet resolved".
	TrampolineValue libpf.Address
}

// Library is the parsed lazy-binding surface of one ELF file.
type Library struct {
	Entries []LibraryEntry
}

// Parser turns ELF files into Library records, caching the result per
// on-disk identity so repeated maps of the same file parse once.
type Parser struct {
	cache *lru.LRU[libpf.OnDiskFileIdentifier, *Library]
}

// NewParser returns a Parser with an empty cache.
func NewParser() (*Parser, error) {
	cache, err := lru.New[libpf.OnDiskFileIdentifier, *Library](
		libraryCacheSize, libpf.OnDiskFileIdentifier.Hash32)
	if err != nil {
		return nil, err
	}
	return &Parser{cache: cache}, nil
}

// Parse returns the Library of the ELF file at path.
func (pr *Parser) Parse(path string) (*Library, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	key := libpf.OnDiskFileIdentifier{
		DeviceID: uint64(st.Dev),
		InodeNum: st.Ino,
	}
	if lib, ok := pr.cache.Get(key); ok {
		return lib, nil
	}
	lib, err := parseFile(path)
	if err != nil {
		return nil, err
	}
	pr.cache.Add(key, lib)
	return lib, nil
}

func parseFile(path string) (*Library, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("%s: only 64-bit files are supported", path)
	}

	plt := ef.Section(".plt")
	rela := ef.Section(".rela.plt")
	if plt == nil || rela == nil {
		// Fully bound (BIND_NOW) or static file. Nothing to track.
		return &Library{}, nil
	}
	relaData, err := rela.Data()
	if err != nil {
		return nil, fmt.Errorf("read .rela.plt of %s: %w", path, err)
	}
	dynsyms, err := ef.DynamicSymbols()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("dynamic symbols of %s: %w", path, err)
	}

	pltBase := libpf.Address(plt.Addr)
	lib := &Library{}
	for ndx := 0; ndx+relaEntrySize <= len(relaData); ndx += relaEntrySize {
		rec := relaData[ndx:]
		slot := binary.LittleEndian.Uint64(rec)
		info := binary.LittleEndian.Uint64(rec[8:])
		symNdx := int(info >> 32)
		// Dynamic symbol 0 is the reserved undefined symbol; DynamicSymbols
		// omits it, so the table is shifted by one.
		if symNdx < 1 || symNdx > len(dynsyms) {
			continue
		}
		entryAddr, trampoline, err := pltEntryLayout(ef.Machine, pltBase,
			ndx/relaEntrySize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		lib.Entries = append(lib.Entries, LibraryEntry{
			Name:            libpf.SymbolName(dynsyms[symNdx-1].Name),
			EntryAddr:       entryAddr,
			SlotAddr:        libpf.Address(slot),
			TrampolineValue: trampoline,
		})
	}
	return lib, nil
}

// pltEntryLayout computes the code address of relocation entry ndx and the
// slot value that marks it unbound.
func pltEntryLayout(machine elf.Machine, pltBase libpf.Address,
	ndx int) (entryAddr, trampoline libpf.Address, err error) {
	switch machine {
	case elf.EM_X86_64:
		entryAddr = pltBase + libpf.Address(x8664PLT0Size+ndx*x8664PLTEntrySize)
		trampoline = entryAddr + x8664TrampolineOff
	case elf.EM_AARCH64:
		entryAddr = pltBase + libpf.Address(aarch64PLT0Size+ndx*aarch64PLTEntrySize)
		trampoline = pltBase
	default:
		err = fmt.Errorf("unsupported machine %v", machine)
	}
	return entryAddr, trampoline, err
}
