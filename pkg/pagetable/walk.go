package pagetable

import "fmt"

// AddressSpace gives read access to the page tables of one process.
// Tables are identified by the frame number they live in.
type AddressSpace interface {
	// Root returns the frame of the top-level table.
	Root() PFN
	// ReadEntry returns the entry at index of the table stored in frame
	// table. It returns false if table does not hold a page table.
	ReadEntry(table PFN, index uint) (Entry, bool)
}

// ErrInvalidMapping is returned when a level of the walk finds an absent or
// malformed entry.
type ErrInvalidMapping struct {
	Addr VirtualAddress
}

func (e ErrInvalidMapping) Error() string {
	return fmt.Sprintf("no valid mapping for address %s", e.Addr)
}

// WalkFn is called once for every level visited by WalkFunc, with the entry
// found at that level and its classification.
type WalkFn func(level Level, entry Entry, state State)

// Walk translates va to the frame number it is mapped to.
func Walk(space AddressSpace, va VirtualAddress) (PFN, error) {
	return WalkFunc(space, va, nil)
}

// WalkFunc translates va, calling fn for each level it visits. The walk
// stops at the first absent or malformed entry: deeper levels are never
// read.
func WalkFunc(space AddressSpace, va VirtualAddress, fn WalkFn) (PFN, error) {
	table := space.Root()
	for l := PGD; int(l) < Levels; l++ {
		e, ok := space.ReadEntry(table, va.Index(l))
		state := Malformed
		if ok {
			state = e.Classify(l)
		}
		if fn != nil {
			fn(l, e, state)
		}
		switch state {
		case Absent, Malformed:
			return 0, ErrInvalidMapping{Addr: va}
		case Leaf:
			return e.PFN(), nil
		}
		table = e.PFN()
	}
	panic("unreachable")
}
