package proc

import (
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
)

// Translate returns the physical frame backing va in the address space of
// process pid.
//
// It fails with ErrInvalidProcess if pid does not resolve and with
// pagetable.ErrInvalidMapping if any level of the page table walk finds an
// absent or malformed entry, or if the page tables of the process are not
// available.
func Translate(reg Registry, pid int, va pagetable.VirtualAddress) (pagetable.PFN, error) {
	return TranslateFunc(reg, pid, va, nil)
}

// TranslateFunc is like Translate but calls fn for every level visited.
func TranslateFunc(reg Registry, pid int, va pagetable.VirtualAddress, fn pagetable.WalkFn) (pagetable.PFN, error) {
	p, ok := reg.Lookup(pid)
	if !ok {
		return 0, ErrInvalidProcess{Pid: pid}
	}
	if p.Mem == nil {
		return 0, pagetable.ErrInvalidMapping{Addr: va}
	}
	return pagetable.WalkFunc(p.Mem, va, fn)
}
