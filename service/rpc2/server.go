package rpc2

import (
	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
	"github.com/dbfs-tools/dbfs/service/introspector"
)

// RPCServer serves the methods of API version 2 for one client connection.
type RPCServer struct {
	// config is all the information necessary to start the introspector and server.
	config *service.Config
	// it is the introspector service.
	it *introspector.Introspector
	// session holds the ancestry result of the connection.
	session introspector.SessionID
}

// NewServer returns a server for a connection owning session.
func NewServer(config *service.Config, it *introspector.Introspector, session introspector.SessionID) *RPCServer {
	return &RPCServer{config, it, session}
}

type TranslateIn struct {
	// Buf is the request buffer.
	Buf []byte
	// Length is the number of bytes of Buf to read, 0 reads all of it.
	Length int
}

type TranslateOut struct {
	Buf []byte
}

// Translate translates the address in the request buffer and returns the
// packed response.
func (s *RPCServer) Translate(arg TranslateIn, out *TranslateOut) error {
	buf, err := s.it.Translate(arg.Buf, arg.Length)
	if err != nil {
		return err
	}
	out.Buf = buf
	return nil
}

type WalkIn struct {
	Pid  int
	Addr uint64
}

type WalkOut struct {
	Walk api.Walk
}

// Walk reports every page table level visited translating Addr.
func (s *RPCServer) Walk(arg WalkIn, out *WalkOut) error {
	w, err := s.it.Walk(arg.Pid, arg.Addr)
	if err != nil {
		return err
	}
	out.Walk = *w
	return nil
}

type WritePidIn struct {
	// Data holds a decimal pid.
	Data []byte
}

type WritePidOut struct {
}

// WritePid computes the ancestry chain of a pid and stores it in the
// session of the connection.
func (s *RPCServer) WritePid(arg WritePidIn, out *WritePidOut) error {
	return s.it.WritePid(s.session, arg.Data)
}

type ReadChainIn struct {
	Offset int
	Length int
}

type ReadChainOut struct {
	Data []byte
}

// ReadChain reads the ancestry chain stored in the session of the
// connection.
func (s *RPCServer) ReadChain(arg ReadChainIn, out *ReadChainOut) error {
	data, err := s.it.ReadChain(s.session, arg.Offset, arg.Length)
	if err != nil {
		return err
	}
	out.Data = data
	return nil
}

type AncestorsIn struct {
	Pid int
}

type AncestorsOut struct {
	Chain []api.ChainEntry
}

// Ancestors returns the ancestry chain of a pid without touching the
// session.
func (s *RPCServer) Ancestors(arg AncestorsIn, out *AncestorsOut) error {
	chain, err := s.it.Ancestors(arg.Pid)
	if err != nil {
		return err
	}
	out.Chain = chain
	return nil
}
