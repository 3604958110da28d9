package api

import (
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

// ConvertChain converts an ancestry chain to its API representation.
func ConvertChain(chain []proc.ChainEntry) []ChainEntry {
	r := make([]ChainEntry, 0, len(chain))
	for _, e := range chain {
		r = append(r, ChainEntry{Comm: e.Comm, Pid: e.Pid})
	}
	return r
}

// ConvertLevel converts a level visited by a page table walk.
func ConvertLevel(va pagetable.VirtualAddress, l pagetable.Level, e pagetable.Entry, s pagetable.State) LevelEntry {
	le := LevelEntry{
		Level: l.String(),
		Index: va.Index(l),
		Entry: uint64(e),
		State: s.String(),
	}
	if s == pagetable.Table || s == pagetable.Leaf {
		le.PFN = uint64(e.PFN())
	}
	return le
}
