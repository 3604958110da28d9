// Package pagetable models a 5-level x86-64 page table and implements a
// read-only walk over it.
//
// A 48-bit virtual address is split in five 9-bit table indices and a
// 12-bit page offset:
//
//	[56:48] PGD index (always 0 for a 48-bit address)
//	[47:39] P4D index
//	[38:30] PUD index
//	[29:21] PMD index
//	[20:12] PTE index
//	[11:0]  page offset
package pagetable

import (
	"fmt"
	"strings"
)

const (
	// AddressBits is the width of a virtual address.
	AddressBits = 48
	// AddressMask selects the bits of a virtual address.
	AddressMask = 1<<AddressBits - 1

	// PageShift is log2 of the page size.
	PageShift = 12
	// PageSize is the size of a page and of a page table.
	PageSize = 1 << PageShift

	levelBits = 9

	// EntriesPerTable is the number of entries in a page table.
	EntriesPerTable = 1 << levelBits
)

// Level is a level of the page table hierarchy, PGD being the top-most.
type Level uint8

const (
	PGD Level = iota
	P4D
	PUD
	PMD
	PTE

	// Levels is the number of levels walked for every translation.
	Levels = int(PTE) + 1
)

var levelShifts = [Levels]uint{48, 39, 30, 21, 12}

var levelNames = [Levels]string{"pgd", "p4d", "pud", "pmd", "pte"}

func (l Level) String() string {
	if int(l) < Levels {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

// ParseLevel returns the level called name (case insensitive).
func ParseLevel(name string) (Level, error) {
	for i, n := range levelNames {
		if strings.EqualFold(n, name) {
			return Level(i), nil
		}
	}
	return 0, fmt.Errorf("unknown page table level %q", name)
}

// VirtualAddress is a 48-bit virtual address.
type VirtualAddress uint64

// NewVirtualAddress truncates v to AddressBits.
func NewVirtualAddress(v uint64) VirtualAddress {
	return VirtualAddress(v & AddressMask)
}

// Index returns the index into the table at level l.
func (va VirtualAddress) Index(l Level) uint {
	return uint(uint64(va)>>levelShifts[l]) & (EntriesPerTable - 1)
}

// Indices returns the table index for every level, top-most first.
func (va VirtualAddress) Indices() [Levels]uint {
	var r [Levels]uint
	for l := PGD; int(l) < Levels; l++ {
		r[l] = va.Index(l)
	}
	return r
}

// Offset returns the offset of va inside its page.
func (va VirtualAddress) Offset() uint64 {
	return uint64(va) & (PageSize - 1)
}

func (va VirtualAddress) String() string {
	return fmt.Sprintf("%#x", uint64(va))
}

// PFN is a physical frame number.
type PFN uint64

// Address returns the physical address of the first byte of the frame.
func (f PFN) Address() uint64 {
	return uint64(f) << PageShift
}

func (f PFN) String() string {
	return fmt.Sprintf("%#x", uint64(f))
}
