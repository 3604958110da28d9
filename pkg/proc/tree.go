package proc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
)

// RootComm is the command name of the root process of a Tree.
const RootComm = "swapper/0"

const noParent = -1

// Tree is an in-memory Registry. Processes are stored in an arena with a
// parent index; a process can only be added after its parent, so a Tree
// never contains cycles.
//
// A Tree is safe for concurrent reads once it has been built.
type Tree struct {
	procs  []Process
	parent []int
	index  map[int]int
}

var (
	// ErrDuplicatePid is returned by Add when the pid is already in the tree.
	ErrDuplicatePid = errors.New("duplicate pid")
	// ErrUnknownParent is returned by Add when the parent pid is not in
	// the tree.
	ErrUnknownParent = errors.New("unknown parent")
)

// NewTree returns a tree containing only the root process.
func NewTree() *Tree {
	t := &Tree{index: make(map[int]int)}
	t.procs = append(t.procs, Process{Pid: RootPid, PPid: RootPid, Comm: RootComm})
	t.parent = append(t.parent, noParent)
	t.index[RootPid] = 0
	return t
}

// Add inserts a process as a child of ppid. The command name is truncated
// to CommLen-1 bytes.
func (t *Tree) Add(pid, ppid int, comm string, mem pagetable.AddressSpace) error {
	if pid < 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if _, ok := t.index[pid]; ok {
		return fmt.Errorf("adding %d: %w", pid, ErrDuplicatePid)
	}
	pi, ok := t.index[ppid]
	if !ok {
		return fmt.Errorf("adding %d: %w %d", pid, ErrUnknownParent, ppid)
	}
	t.index[pid] = len(t.procs)
	t.procs = append(t.procs, Process{Pid: pid, PPid: ppid, Comm: TruncateComm(comm), Mem: mem})
	t.parent = append(t.parent, pi)
	return nil
}

// Lookup returns the process with the given pid. The root is only reachable
// through Parent: looking up RootPid fails like it does for live systems.
func (t *Tree) Lookup(pid int) (*Process, bool) {
	i, ok := t.index[pid]
	if !ok || pid == RootPid {
		return nil, false
	}
	return &t.procs[i], true
}

// Contains reports whether pid can be used as a parent in Add, the root
// included.
func (t *Tree) Contains(pid int) bool {
	_, ok := t.index[pid]
	return ok
}

func (t *Tree) Parent(p *Process) (*Process, bool) {
	i, ok := t.index[p.Pid]
	if !ok || t.parent[i] == noParent {
		return nil, false
	}
	return &t.procs[t.parent[i]], true
}

// Len returns the number of processes, root included.
func (t *Tree) Len() int { return len(t.procs) }

// Pids returns the pids that Lookup resolves, in increasing order.
func (t *Tree) Pids() []int {
	r := make([]int, 0, len(t.procs))
	for pid := range t.index {
		if pid != RootPid {
			r = append(r, pid)
		}
	}
	sort.Ints(r)
	return r
}
