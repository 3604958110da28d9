package service

import (
	"net"

	"github.com/dbfs-tools/dbfs/service/introspector"
)

// Config provides the configuration to start an Introspector and expose it
// with a service.
type Config struct {
	// Listener is used to serve requests.
	Listener net.Listener

	// AcceptMulti configures the server to accept multiple connections.
	// Every connection gets its own session.
	AcceptMulti bool

	// APIVersion selects which version of the API to serve (default: 2).
	APIVersion int

	// CheckLocalConnUser is true if the user of a loopback connection must
	// match the user running the server.
	CheckLocalConnUser bool

	// Introspector is the configuration of the introspector served.
	Introspector introspector.Config

	// DisconnectChan will be closed by the server when the client disconnects
	DisconnectChan chan<- struct{}
}
