package pagetable

import (
	"errors"
	"fmt"
)

type table [EntriesPerTable]Entry

// Memory is an AddressSpace whose tables live in process memory. Tables
// are allocated at consecutive frame numbers starting from a base frame.
//
// Memory is not safe for concurrent mutation. Once built it can be read
// from any number of goroutines.
type Memory struct {
	root   PFN
	next   PFN
	tables map[PFN]*table
}

// NewMemory returns an address space with an empty top-level table stored
// at frame base.
func NewMemory(base PFN) *Memory {
	m := &Memory{next: base, tables: make(map[PFN]*table)}
	m.root = m.alloc()
	return m
}

func (m *Memory) alloc() PFN {
	f := m.next
	m.next++
	m.tables[f] = new(table)
	return f
}

func (m *Memory) Root() PFN { return m.root }

func (m *Memory) ReadEntry(t PFN, index uint) (Entry, bool) {
	tbl, ok := m.tables[t]
	if !ok || index >= EntriesPerTable {
		return 0, false
	}
	return tbl[index], true
}

// Tables returns the number of page tables allocated.
func (m *Memory) Tables() int { return len(m.tables) }

// Map maps the page containing va to frame pfn, allocating intermediate
// tables as needed.
func (m *Memory) Map(va VirtualAddress, pfn PFN) error {
	if pfn > MaxPFN {
		return fmt.Errorf("frame %s out of range", pfn)
	}
	t := m.root
	for l := PGD; l < PTE; l++ {
		tbl := m.tables[t]
		e := &tbl[va.Index(l)]
		switch e.Classify(l) {
		case Absent:
			*e = MakeEntry(m.alloc(), TableFlags)
		case Malformed:
			return fmt.Errorf("cannot map %s: malformed %s entry %s", va, l, *e)
		}
		t = e.PFN()
		if _, ok := m.tables[t]; !ok {
			return fmt.Errorf("cannot map %s: %s entry points to frame %s which is not a table", va, l, t)
		}
	}
	m.tables[t][va.Index(PTE)] = MakeEntry(pfn, PageFlags)
	return nil
}

var errPathMissing = errors.New("table path missing")

// SetEntry overwrites the entry for va at level l with e. All levels above
// l must already point to valid tables.
func (m *Memory) SetEntry(va VirtualAddress, l Level, e Entry) error {
	if int(l) >= Levels {
		return fmt.Errorf("invalid level %s", l)
	}
	t := m.root
	for cur := PGD; cur < l; cur++ {
		next := m.tables[t][va.Index(cur)]
		if next.Classify(cur) != Table {
			return fmt.Errorf("cannot set %s entry for %s: %w at %s", l, va, errPathMissing, cur)
		}
		t = next.PFN()
		if _, ok := m.tables[t]; !ok {
			return fmt.Errorf("cannot set %s entry for %s: %w at %s", l, va, errPathMissing, cur)
		}
	}
	m.tables[t][va.Index(l)] = e
	return nil
}
