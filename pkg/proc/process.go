package proc

import (
	"fmt"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
)

const (
	// RootPid is the pid of the root of the process tree.
	RootPid = 0
	// CommLen is the size of the command name buffer, terminator included.
	CommLen = 16
)

// Process is a process record.
type Process struct {
	Pid  int
	PPid int
	// Comm is the command name, at most CommLen-1 bytes.
	Comm string
	// Mem is the address space of the process. It is nil when the page
	// tables of the process are not available.
	Mem pagetable.AddressSpace
}

// IsRoot reports whether p is the root of the process tree. Ancestry walks
// stop at the root without recording it.
func (p *Process) IsRoot() bool {
	return p.Pid == RootPid
}

func (p *Process) String() string {
	return fmt.Sprintf("%s (%d)", p.Comm, p.Pid)
}

// TruncateComm cuts s to the size of a command name.
func TruncateComm(s string) string {
	if len(s) >= CommLen {
		return s[:CommLen-1]
	}
	return s
}

// Registry looks up processes.
type Registry interface {
	// Lookup returns the process with the given pid.
	Lookup(pid int) (*Process, bool)
	// Parent returns the parent of p. It returns false when p has no
	// parent.
	Parent(p *Process) (*Process, bool)
}

// ErrInvalidProcess is returned when a pid does not resolve to a process.
type ErrInvalidProcess struct {
	Pid int
}

func (e ErrInvalidProcess) Error() string {
	return fmt.Sprintf("no process with pid %d", e.Pid)
}
