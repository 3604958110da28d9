package rpc2

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"

	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
)

// RPCClient is a RPC service.Client.
type RPCClient struct {
	client *rpc.Client
}

// Ensure the implementation satisfies the interface.
var _ service.Client = &RPCClient{}

// NewClient creates a new RPCClient connected to addr. Addresses starting
// with "unix:" are unix socket paths.
func NewClient(addr string) (*RPCClient, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "unix:") {
		network, addr = "unix", addr[len("unix:"):]
	}
	client, err := jsonrpc.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	return &RPCClient{client: client}, nil
}

// NewClientFromConn creates a new RPCClient from the given connection.
func NewClientFromConn(conn net.Conn) *RPCClient {
	return &RPCClient{client: jsonrpc.NewClient(conn)}
}

func (c *RPCClient) Translate(buf []byte, length int) ([]byte, error) {
	var out TranslateOut
	err := c.call("Translate", TranslateIn{Buf: buf, Length: length}, &out)
	return out.Buf, err
}

func (c *RPCClient) Walk(pid int, addr uint64) (*api.Walk, error) {
	var out WalkOut
	if err := c.call("Walk", WalkIn{Pid: pid, Addr: addr}, &out); err != nil {
		return nil, err
	}
	return &out.Walk, nil
}

func (c *RPCClient) WritePid(data []byte) error {
	return c.call("WritePid", WritePidIn{Data: data}, &WritePidOut{})
}

func (c *RPCClient) ReadChain(offset, length int) ([]byte, error) {
	var out ReadChainOut
	err := c.call("ReadChain", ReadChainIn{Offset: offset, Length: length}, &out)
	return out.Data, err
}

func (c *RPCClient) Ancestors(pid int) ([]api.ChainEntry, error) {
	var out AncestorsOut
	err := c.call("Ancestors", AncestorsIn{Pid: pid}, &out)
	return out.Chain, err
}

func (c *RPCClient) GetVersion() (*api.GetVersionOut, error) {
	var out api.GetVersionOut
	err := c.call("GetVersion", api.GetVersionIn{}, &out)
	return &out, err
}

func (c *RPCClient) Detach() error {
	defer c.client.Close()
	return c.call("Detach", DetachIn{}, &DetachOut{})
}

func (c *RPCClient) Disconnect() error {
	return c.client.Close()
}

func (c *RPCClient) call(method string, args, reply interface{}) error {
	err := c.client.Call("RPCServer."+method, args, reply)
	var serr rpc.ServerError
	if errors.As(err, &serr) {
		return api.StatusError(string(serr))
	}
	return err
}

// CallAPI calls method of the server directly.
func (c *RPCClient) CallAPI(method string, args, reply interface{}) error {
	return c.call(method, args, reply)
}

type DetachIn struct {
}

type DetachOut struct {
}
