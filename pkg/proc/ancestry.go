package proc

import (
	"fmt"
	"strconv"
)

// ChainEntry is one process of an ancestry chain.
type ChainEntry struct {
	Comm string
	Pid  int
}

// Ancestors returns the chain of processes from the top-most ancestor of
// pid, the root excluded, down to pid itself.
func Ancestors(reg Registry, pid int) ([]ChainEntry, error) {
	p, ok := reg.Lookup(pid)
	if !ok {
		return nil, ErrInvalidProcess{Pid: pid}
	}
	var chain []ChainEntry
	seen := make(map[int]bool)
	for !p.IsRoot() {
		if seen[p.Pid] {
			// pid reuse while reading a live registry
			return nil, fmt.Errorf("parent chain of %d loops: %w", pid, ErrInvalidProcess{Pid: p.Pid})
		}
		seen[p.Pid] = true
		chain = append(chain, ChainEntry{Comm: p.Comm, Pid: p.Pid})
		parent, ok := reg.Parent(p)
		if !ok {
			break
		}
		p = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// FormatChain renders chain one process per line as "<comm> (<pid>)". Lines
// that do not fit in limit bytes are dropped, starting from the first one
// that does not fit.
func FormatChain(chain []ChainEntry, limit int) []byte {
	if limit < 0 {
		limit = 0
	}
	buf := make([]byte, 0, limit)
	for _, e := range chain {
		n := len(e.Comm) + len(" ()\n") + len(strconv.Itoa(e.Pid))
		if len(buf)+n > limit {
			break
		}
		buf = append(buf, e.Comm...)
		buf = append(buf, " ("...)
		buf = strconv.AppendInt(buf, int64(e.Pid), 10)
		buf = append(buf, ")\n"...)
	}
	return buf
}
