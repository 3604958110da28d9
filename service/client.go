package service

import (
	"github.com/dbfs-tools/dbfs/service/api"
)

// Client represents an introspection service client. All client methods are
// synchronous.
type Client interface {
	// Translate sends a translate request buffer and returns the response
	// buffer. length is the number of bytes of buf the server reads, 0
	// reads all of it.
	Translate(buf []byte, length int) ([]byte, error)
	// Walk returns the levels visited translating addr for pid.
	Walk(pid int, addr uint64) (*api.Walk, error)

	// WritePid computes the ancestry chain of the pid written in data and
	// stores it in the session of this client.
	WritePid(data []byte) error
	// ReadChain reads the ancestry chain stored by the last successful
	// WritePid.
	ReadChain(offset, length int) ([]byte, error)
	// Ancestors returns the ancestry chain of pid.
	Ancestors(pid int) ([]api.ChainEntry, error)

	// GetVersion returns version information.
	GetVersion() (*api.GetVersionOut, error)

	// Detach stops the server.
	Detach() error
	// Disconnect closes the connection to the server without stopping it.
	Disconnect() error
}
