//go:build !linux
// +build !linux

package native

import (
	"errors"

	"github.com/dbfs-tools/dbfs/pkg/proc"
)

// ErrNativeUnsupported is returned by New on systems without procfs.
var ErrNativeUnsupported = errors.New("live process registry is only supported on linux")

// Registry is a proc.Registry reading the live /proc filesystem.
type Registry struct{}

func New() (*Registry, error) {
	return nil, ErrNativeUnsupported
}

func NewAt(root string) (*Registry, error) {
	return nil, ErrNativeUnsupported
}

func (r *Registry) Lookup(pid int) (*proc.Process, bool) { return nil, false }

func (r *Registry) Parent(p *proc.Process) (*proc.Process, bool) { return nil, false }
