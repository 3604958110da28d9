package native

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	sys "golang.org/x/sys/unix"

	"github.com/dbfs-tools/dbfs/pkg/logflags"
	"github.com/dbfs-tools/dbfs/pkg/proc"
)

// Registry is a proc.Registry reading the live /proc filesystem. Every
// lookup reads /proc again, processes returned by Lookup are a snapshot of
// the moment they were read.
//
// Page tables are not readable from user space: processes returned by a
// Registry have no address space.
type Registry struct {
	root string
	log  logflags.Logger
}

// New returns a registry reading /proc.
func New() (*Registry, error) {
	return NewAt("/proc")
}

// NewAt returns a registry reading a procfs mounted at root.
func NewAt(root string) (*Registry, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	return &Registry{root: root, log: logflags.RegistryLogger()}, nil
}

func (r *Registry) Lookup(pid int) (*proc.Process, bool) {
	if pid <= proc.RootPid {
		// the idle task has no /proc entry
		return nil, false
	}
	if r.root == "/proc" {
		if err := sys.Kill(pid, 0); err == sys.ESRCH {
			return nil, false
		}
	}
	p, err := r.read(pid)
	if err != nil {
		r.log.Debugf("lookup of %d: %v", pid, err)
		return nil, false
	}
	return p, true
}

func (r *Registry) Parent(p *proc.Process) (*proc.Process, bool) {
	if p.IsRoot() {
		return nil, false
	}
	if p.PPid == proc.RootPid {
		return &proc.Process{Pid: proc.RootPid, PPid: proc.RootPid, Comm: proc.RootComm}, true
	}
	return r.Lookup(p.PPid)
}

func (r *Registry) read(pid int) (*proc.Process, error) {
	dir := filepath.Join(r.root, strconv.Itoa(pid))
	stat, err := os.ReadFile(filepath.Join(dir, "stat"))
	if err != nil {
		return nil, fmt.Errorf("could not read proc stat: %v", err)
	}
	statComm, ppid, err := parseStat(stat)
	if err != nil {
		return nil, fmt.Errorf("%s/stat: %v", dir, err)
	}
	comm, err := os.ReadFile(filepath.Join(dir, "comm"))
	if err == nil {
		// removes newline character
		comm = bytes.TrimSuffix(comm, []byte("\n"))
	}
	if len(comm) == 0 {
		comm = statComm
	}
	return &proc.Process{Pid: pid, PPid: ppid, Comm: proc.TruncateComm(string(comm))}, nil
}

// parseStat extracts the command name and the parent pid from the content
// of /proc/<pid>/stat:
//
//	pid (comm) state ppid ...
//
// comm can contain spaces and parenthesis, it ends at the last ')'.
func parseStat(stat []byte) (comm []byte, ppid int, err error) {
	start := bytes.IndexByte(stat, '(')
	end := bytes.LastIndexByte(stat, ')')
	if start < 0 || end < start {
		return nil, 0, fmt.Errorf("malformed stat line %q", stat)
	}
	comm = stat[start+1 : end]
	fields := bytes.Fields(stat[end+1:])
	if len(fields) < 2 {
		return nil, 0, fmt.Errorf("malformed stat line %q", stat)
	}
	ppid, err = strconv.Atoi(string(fields[1]))
	if err != nil {
		return nil, 0, fmt.Errorf("malformed ppid in stat line: %v", err)
	}
	return comm, ppid, nil
}
