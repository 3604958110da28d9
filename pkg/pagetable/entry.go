package pagetable

import "fmt"

// Entry is a raw page table entry in the x86-64 format.
type Entry uint64

// Entry flags.
const (
	FlagPresent  Entry = 1 << 0
	FlagWrite    Entry = 1 << 1
	FlagUser     Entry = 1 << 2
	FlagAccessed Entry = 1 << 5
	FlagDirty    Entry = 1 << 6
	FlagHuge     Entry = 1 << 7
	FlagNoExec   Entry = 1 << 63

	// TableFlags are the flags set on entries pointing to a lower level
	// table.
	TableFlags = FlagPresent | FlagWrite | FlagUser | FlagAccessed | FlagDirty
	// PageFlags are the flags set on leaf entries.
	PageFlags = FlagPresent | FlagWrite | FlagUser | FlagAccessed

	pfnMask = Entry(1<<52-1) &^ Entry(PageSize-1)
)

// MaxPFN is the largest frame number an entry can hold.
const MaxPFN = PFN(pfnMask >> PageShift)

// MakeEntry returns an entry pointing at pfn with the given flags.
func MakeEntry(pfn PFN, flags Entry) Entry {
	return (Entry(pfn)<<PageShift)&pfnMask | flags&^pfnMask
}

// None reports whether the entry was never set.
func (e Entry) None() bool { return e == 0 }

func (e Entry) Present() bool { return e&FlagPresent != 0 }

func (e Entry) Huge() bool { return e&FlagHuge != 0 }

// PFN returns the frame number stored in the entry.
func (e Entry) PFN() PFN {
	return PFN((e & pfnMask) >> PageShift)
}

func (e Entry) String() string {
	return fmt.Sprintf("%#016x", uint64(e))
}

// State is the classification of an entry during a walk.
type State uint8

const (
	// Absent entries are empty, or not present at the leaf level.
	Absent State = iota
	// Malformed entries cannot be followed: a non-empty entry that is not
	// present, a huge page at an intermediate level or a pointer to a
	// frame that does not hold a page table.
	Malformed
	// Table entries point at the next level table.
	Table
	// Leaf entries hold the frame number of the mapped page.
	Leaf
)

var stateNames = [...]string{"absent", "malformed", "table", "leaf"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Classify returns the state of e when found at level l.
func (e Entry) Classify(l Level) State {
	switch {
	case e.None():
		return Absent
	case l == PTE:
		if !e.Present() {
			return Absent
		}
		return Leaf
	case !e.Present(), e.Huge():
		return Malformed
	}
	return Table
}
