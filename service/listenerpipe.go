package service

import (
	"errors"
	"net"
	"sync"
)

// ListenerPipe returns an in-memory connection and a listener whose first
// Accept returns the other end of it. It lets a client and a server run in
// the same process without opening a socket.
func ListenerPipe() (net.Listener, net.Conn) {
	server, client := net.Pipe()
	return &pipeListener{conn: server, done: make(chan struct{})}, client
}

// pipeListener hands out a single connection. Accept blocks after the
// first call until the listener is closed.
type pipeListener struct {
	mu       sync.Mutex
	conn     net.Conn
	accepted bool
	done     chan struct{}
	once     sync.Once
}

var errPipeListenerClosed = errors.New("accept failed: listener closed")

func (l *pipeListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if !l.accepted {
		l.accepted = true
		l.mu.Unlock()
		return l.conn, nil
	}
	l.mu.Unlock()
	<-l.done
	return nil, errPipeListenerClosed
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return l.conn.LocalAddr()
}
