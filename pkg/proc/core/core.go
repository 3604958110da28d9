// Package core loads process snapshots: YAML files describing a set of
// processes, their parents and the page table mappings of each of them at
// a point in time.
//
//	processes:
//	  - pid: 1
//	    ppid: 0
//	    comm: init
//	    mappings:
//	      - {vaddr: 0x7ffd1000, pfn: 0x1a2b3}
//	    entries:
//	      - {vaddr: 0x7ffd1000, level: pmd, value: 0}
//
// Mappings are applied first, then entries overwrite single page table
// entries. Entries are used to describe absent or malformed levels.
package core

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

// Snapshot is the content of a snapshot file.
type Snapshot struct {
	Processes []Process `yaml:"processes"`
}

// Process describes one process of a snapshot.
type Process struct {
	Pid  int    `yaml:"pid"`
	PPid int    `yaml:"ppid"`
	Comm string `yaml:"comm"`
	// Base is the frame number of the top-level page table. Tables of
	// the process are allocated at consecutive frames after it.
	Base     uint64       `yaml:"base,omitempty"`
	Mappings []Mapping    `yaml:"mappings,omitempty"`
	Entries  []EntryPatch `yaml:"entries,omitempty"`
	NoMem    bool         `yaml:"no-mem,omitempty"`
}

// Mapping maps the page containing Vaddr to frame PFN.
type Mapping struct {
	Vaddr uint64 `yaml:"vaddr"`
	PFN   uint64 `yaml:"pfn"`
}

// EntryPatch overwrites the entry for Vaddr at Level with Value.
type EntryPatch struct {
	Vaddr uint64 `yaml:"vaddr"`
	Level string `yaml:"level"`
	Value uint64 `yaml:"value"`
}

// ErrNoProcesses is returned when a snapshot does not describe any process.
var ErrNoProcesses = errors.New("snapshot contains no processes")

// ErrDanglingParent is returned when the parent of a process is not part of
// the snapshot, or the parent relation contains a cycle.
type ErrDanglingParent struct {
	Pid, PPid int
}

func (e ErrDanglingParent) Error() string {
	return fmt.Sprintf("parent %d of process %d not found in snapshot", e.PPid, e.Pid)
}

// Open reads the snapshot file at path and builds a process tree from it.
func Open(path string) (*proc.Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Load parses a snapshot and builds a process tree from it.
func Load(data []byte) (*proc.Tree, error) {
	var s Snapshot
	if err := yaml.UnmarshalStrict(data, &s); err != nil {
		return nil, fmt.Errorf("could not decode snapshot: %v", err)
	}
	return s.Tree()
}

// Marshal encodes the snapshot in the format read by Load.
func (s *Snapshot) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

// Tree builds a process tree from the snapshot. Processes may be listed in
// any order.
func (s *Snapshot) Tree() (*proc.Tree, error) {
	if len(s.Processes) == 0 {
		return nil, ErrNoProcesses
	}
	pending := make([]*Process, 0, len(s.Processes))
	for i := range s.Processes {
		p := &s.Processes[i]
		if p.Pid == proc.RootPid {
			return nil, fmt.Errorf("process %d is implicit and cannot be listed", proc.RootPid)
		}
		pending = append(pending, p)
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Pid < pending[j].Pid })

	t := proc.NewTree()
	for len(pending) > 0 {
		rest := pending[:0]
		for _, p := range pending {
			if !t.Contains(p.PPid) {
				rest = append(rest, p)
				continue
			}
			var mem pagetable.AddressSpace
			if !p.NoMem {
				m, err := p.memory()
				if err != nil {
					return nil, err
				}
				mem = m
			}
			if err := t.Add(p.Pid, p.PPid, p.Comm, mem); err != nil {
				return nil, err
			}
		}
		if len(rest) == len(pending) {
			return nil, ErrDanglingParent{Pid: rest[0].Pid, PPid: rest[0].PPid}
		}
		pending = rest
	}
	return t, nil
}

func (p *Process) memory() (*pagetable.Memory, error) {
	m := pagetable.NewMemory(pagetable.PFN(p.Base))
	for _, mp := range p.Mappings {
		if err := m.Map(pagetable.NewVirtualAddress(mp.Vaddr), pagetable.PFN(mp.PFN)); err != nil {
			return nil, fmt.Errorf("process %d: %v", p.Pid, err)
		}
	}
	for _, e := range p.Entries {
		l, err := pagetable.ParseLevel(e.Level)
		if err != nil {
			return nil, fmt.Errorf("process %d: %v", p.Pid, err)
		}
		if err := m.SetEntry(pagetable.NewVirtualAddress(e.Vaddr), l, pagetable.Entry(e.Value)); err != nil {
			return nil, fmt.Errorf("process %d: %v", p.Pid, err)
		}
	}
	return m, nil
}

// FromRegistry captures the chain of ancestors of each pid from reg into a
// snapshot without page tables.
func FromRegistry(reg proc.Registry, pids []int) (*Snapshot, error) {
	s := &Snapshot{}
	seen := make(map[int]bool)
	for _, pid := range pids {
		p, ok := reg.Lookup(pid)
		if !ok {
			return nil, proc.ErrInvalidProcess{Pid: pid}
		}
		for !p.IsRoot() && !seen[p.Pid] {
			seen[p.Pid] = true
			ppid := p.PPid
			parent, ok := reg.Parent(p)
			if !ok {
				ppid = proc.RootPid
			}
			s.Processes = append(s.Processes, Process{Pid: p.Pid, PPid: ppid, Comm: p.Comm, NoMem: true})
			if !ok {
				break
			}
			p = parent
		}
	}
	sort.Slice(s.Processes, func(i, j int) bool { return s.Processes[i].Pid < s.Processes[j].Pid })
	return s, nil
}
