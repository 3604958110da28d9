package introspector

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/dbfs-tools/dbfs/pkg/logflags"
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc"
	"github.com/dbfs-tools/dbfs/pkg/proc/core"
	"github.com/dbfs-tools/dbfs/pkg/proc/native"
	"github.com/dbfs-tools/dbfs/service/api"
)

// Introspector service.
//
// Introspector answers translation and ancestry queries against a process
// registry. It converts between the buffers exchanged with clients and the
// types of pkg/proc, and keeps the ancestry result of every client session.
type Introspector struct {
	config *Config
	reg    proc.Registry

	sessionMu   sync.Mutex
	nextSession SessionID
	maxSessions int
	sessions    *lru.Cache

	tlog logflags.Logger
	alog logflags.Logger
	slog logflags.Logger
}

// Config provides the configuration to start an Introspector.
//
// Only one of Snapshot or Native should be specified.
type Config struct {
	// Snapshot is the path of the snapshot file to serve.
	Snapshot string
	// Native serves the processes of the running system.
	Native bool
	// MaxSessions is the number of sessions that can be open at the same
	// time.
	MaxSessions int
}

const defaultMaxSessions = 64

// SessionID identifies a client session.
type SessionID uint64

// ErrNoBackend is returned by New when the configuration selects no process
// registry.
var ErrNoBackend = errors.New("no process registry: specify a snapshot file or use the native backend")

// ErrTooManySessions is returned by NewSession when MaxSessions sessions are
// already open.
var ErrTooManySessions = errors.New("too many open sessions")

// ErrUnknownSession is returned by WritePid for a session that was never
// opened or was closed.
var ErrUnknownSession = errors.New("unknown session")

type session struct {
	mu    sync.Mutex
	chain []byte
}

// New creates a new Introspector serving the registry selected by config.
func New(config *Config) (*Introspector, error) {
	var reg proc.Registry
	switch {
	case config.Native && config.Snapshot != "":
		return nil, errors.New("a snapshot can not be served together with the native backend")
	case config.Native:
		r, err := native.New()
		if err != nil {
			return nil, err
		}
		reg = r
	case config.Snapshot != "":
		t, err := core.Open(config.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("could not open snapshot: %w", err)
		}
		reg = t
	default:
		return nil, ErrNoBackend
	}
	return NewWithRegistry(config, reg)
}

// NewWithRegistry creates a new Introspector serving reg.
func NewWithRegistry(config *Config, reg proc.Registry) (*Introspector, error) {
	if config == nil {
		config = &Config{}
	}
	n := config.MaxSessions
	if n <= 0 {
		n = defaultMaxSessions
	}
	it := &Introspector{
		config:      config,
		reg:         reg,
		maxSessions: n,
		tlog:        logflags.TranslatorLogger(),
		alog:        logflags.AncestryLogger(),
		slog:        logflags.SessionLogger(),
	}
	// NewSession never fills the cache past its size, entries only leave
	// it through CloseSession.
	cache, err := lru.NewWithEvict(n, func(key, _ interface{}) {
		it.slog.Debugf("session %d closed", key)
	})
	if err != nil {
		return nil, err
	}
	it.sessions = cache
	return it, nil
}

// Translate answers a translate request. Only the first length bytes of buf
// are read, up to api.TranslateBufferLen; length 0 reads all of buf.
// The response is as long as the part of buf that was read.
func (it *Introspector) Translate(buf []byte, length int) ([]byte, error) {
	if length == 0 {
		length = len(buf)
	}
	n := length
	if n > api.TranslateBufferLen {
		n = api.TranslateBufferLen
	}
	if n < 0 || n > len(buf) {
		return nil, api.ErrBufferFault{Len: length, Max: len(buf)}
	}
	req := api.DecodeTranslateRequest(buf[:n])
	pfn, err := proc.Translate(it.reg, int(req.Pid), req.Addr)
	if err != nil {
		it.tlog.WithError(err).Debugf("translate pid=%d addr=%s", req.Pid, req.Addr)
		return nil, err
	}
	it.tlog.Debugf("translate pid=%d addr=%s pfn=%s", req.Pid, req.Addr, pfn)
	return api.PackTranslation(buf[:n], pfn, n), nil
}

// Walk translates addr in the address space of pid and reports every
// level visited. A failed translation is reported in the Err field of the
// result, err is only set when pid does not resolve.
func (it *Introspector) Walk(pid int, addr uint64) (*api.Walk, error) {
	va := pagetable.NewVirtualAddress(addr)
	w := &api.Walk{Pid: pid, Addr: uint64(va)}
	pfn, err := proc.TranslateFunc(it.reg, pid, va, func(l pagetable.Level, e pagetable.Entry, s pagetable.State) {
		w.Levels = append(w.Levels, api.ConvertLevel(va, l, e, s))
	})
	var invproc proc.ErrInvalidProcess
	if errors.As(err, &invproc) {
		return nil, err
	}
	if err != nil {
		w.Err = err.Error()
		return w, nil
	}
	w.PFN = uint64(pfn)
	return w, nil
}

// Ancestors returns the ancestry chain of pid.
func (it *Introspector) Ancestors(pid int) ([]api.ChainEntry, error) {
	chain, err := proc.Ancestors(it.reg, pid)
	if err != nil {
		return nil, err
	}
	return api.ConvertChain(chain), nil
}

// NewSession creates a session with an empty ancestry result. Open
// sessions are never dropped to make room for new ones: once MaxSessions
// sessions are open NewSession fails with ErrTooManySessions.
func (it *Introspector) NewSession() (SessionID, error) {
	it.sessionMu.Lock()
	defer it.sessionMu.Unlock()
	if it.sessions.Len() >= it.maxSessions {
		it.slog.Warnf("refusing session: %d sessions open", it.sessions.Len())
		return 0, ErrTooManySessions
	}
	it.nextSession++
	id := it.nextSession
	it.sessions.Add(id, &session{})
	it.slog.Debugf("session %d opened", id)
	return id, nil
}

// CloseSession drops the ancestry result of session id.
func (it *Introspector) CloseSession(id SessionID) {
	it.sessionMu.Lock()
	defer it.sessionMu.Unlock()
	it.sessions.Remove(id)
}

// Sessions returns the number of live sessions.
func (it *Introspector) Sessions() int {
	return it.sessions.Len()
}

func (it *Introspector) session(id SessionID) *session {
	if v, ok := it.sessions.Get(id); ok {
		return v.(*session)
	}
	return nil
}

// WritePid parses a decimal pid from data, computes its ancestry chain and
// stores the formatted chain as the result of session id. On error the
// previous result of the session is kept.
func (it *Introspector) WritePid(id SessionID, data []byte) error {
	if len(data) > api.ChainBufferLen {
		return api.ErrBufferFault{Len: len(data), Max: api.ChainBufferLen}
	}
	s := it.session(id)
	if s == nil {
		return fmt.Errorf("session %d: %w", id, ErrUnknownSession)
	}
	pid, err := api.ParsePid(data)
	if err != nil {
		return err
	}
	chain, err := proc.Ancestors(it.reg, pid)
	if err != nil {
		it.alog.WithError(err).Debugf("ancestry of %d", pid)
		return err
	}
	text := proc.FormatChain(chain, api.ChainBufferLen)
	if lines := bytes.Count(text, []byte{'\n'}); lines < len(chain) {
		it.alog.Warnf("ancestry of %d truncated to %d bytes", pid, len(text))
	}
	it.alog.Debugf("ancestry of %d: %d processes", pid, len(chain))

	s.mu.Lock()
	s.chain = text
	s.mu.Unlock()
	return nil
}

// ReadChain returns up to length bytes of the result of session id,
// starting at offset. The result is empty before the first successful
// WritePid.
func (it *Introspector) ReadChain(id SessionID, offset, length int) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, api.ErrBufferFault{Len: length, Max: api.ChainBufferLen}
	}
	s := it.session(id)
	if s == nil {
		return []byte{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset >= len(s.chain) {
		return []byte{}, nil
	}
	end := len(s.chain)
	if length < end-offset {
		end = offset + length
	}
	r := make([]byte, end-offset)
	copy(r, s.chain[offset:end])
	return r, nil
}
