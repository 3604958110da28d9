package rpccommon

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"reflect"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/dbfs-tools/dbfs/pkg/logflags"
	"github.com/dbfs-tools/dbfs/pkg/version"
	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
	"github.com/dbfs-tools/dbfs/service/internal/sameuser"
	"github.com/dbfs-tools/dbfs/service/introspector"
	"github.com/dbfs-tools/dbfs/service/rpc2"
)

// ServerImpl implements a JSON-RPC server exposing an Introspector.
type ServerImpl struct {
	// config is all the information necessary to start the introspector and server.
	config *service.Config
	// listener is used to serve JSON-RPC.
	listener net.Listener
	// stopChan is used to stop the listener goroutine.
	stopChan chan struct{}
	stopOnce sync.Once
	// disconnectMu guards config.DisconnectChan.
	disconnectMu sync.Mutex
	// introspector is the introspector service.
	introspector *introspector.Introspector
	log          logflags.Logger
}

// RPCServer implements the RPC method calls common to all versions of the API.
type RPCServer struct {
	s *ServerImpl
}

type methodType struct {
	method    reflect.Method
	Rcvr      reflect.Value
	ArgType   reflect.Type
	ReplyType reflect.Type
}

// NewServer creates a new RPCServer.
func NewServer(config *service.Config) *ServerImpl {
	logger := logflags.RPCLogger()
	if config.APIVersion == 0 {
		config.APIVersion = 2
	}
	return &ServerImpl{
		config:   config,
		listener: config.Listener,
		stopChan: make(chan struct{}),
		log:      logger,
	}
}

// Stop stops the JSON-RPC server.
func (s *ServerImpl) Stop() error {
	s.log.Debug("stopping")
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.listener.Close()
	})
	return nil
}

// Run starts an introspector and exposes it with a JSON-RPC server. The
// server can be stopped with the Detach API. Run returns once the server
// is accepting connections.
func (s *ServerImpl) Run() error {
	if s.config.APIVersion != 2 {
		return fmt.Errorf("unknown API version %d", s.config.APIVersion)
	}

	it, err := introspector.New(&s.config.Introspector)
	if err != nil {
		return err
	}
	s.introspector = it

	go func() {
		defer s.listener.Close()
		for {
			c, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.stopChan:
					// We were supposed to exit, do nothing and return
					return
				default:
					s.log.Errorf("accepting client connection: %v", err)
					s.Stop()
					return
				}
			}
			if s.config.CheckLocalConnUser && !sameuser.CanAccept(s.listener.Addr(), c.LocalAddr(), c.RemoteAddr()) {
				c.Close()
				continue
			}
			go s.serveConnection(c)
			if !s.config.AcceptMulti {
				break
			}
		}
	}()
	return nil
}

// serveConnection serves c with its own session, dropped when c closes.
// Connections that would exceed the session limit are closed.
func (s *ServerImpl) serveConnection(c io.ReadWriteCloser) {
	session, err := s.introspector.NewSession()
	if err != nil {
		s.log.Errorf("closing client connection: %v", err)
		c.Close()
		return
	}
	defer s.introspector.CloseSession(session)

	methods := make(map[string]*methodType)
	suitableMethods(rpc2.NewServer(s.config, s.introspector, session), methods, s.log)
	suitableMethods(&RPCServer{s}, methods, s.log)
	s.serveJSONCodec(c, methods)

	if !s.config.AcceptMulti {
		s.disconnect()
	}
}

func (s *ServerImpl) disconnect() {
	s.disconnectMu.Lock()
	defer s.disconnectMu.Unlock()
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Precompute the reflect type for error.  Can't use error directly
// because Typeof takes an empty interface value.  This is annoying.
var typeOfError = reflect.TypeOf((*error)(nil)).Elem()

// Is this an exported - upper case - name?
func isExported(name string) bool {
	ch, _ := utf8.DecodeRuneInString(name)
	return unicode.IsUpper(ch)
}

// Is this type exported or a builtin?
func isExportedOrBuiltinType(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	// PkgPath will be non-empty even for an exported type,
	// so we need to check the type name as well.
	return isExported(t.Name()) || t.PkgPath() == ""
}

// Fills methods map with the methods of receiver that should be made
// available through the RPC interface.
// These are all the public methods of rcvr that have the signature:
//
//	func (rcvr ReceiverType) Method(in InputType, out *ReplyType) error
func suitableMethods(rcvr interface{}, methods map[string]*methodType, log logflags.Logger) {
	typ := reflect.TypeOf(rcvr)
	rcvrv := reflect.ValueOf(rcvr)
	sname := reflect.Indirect(rcvrv).Type().Name()
	if sname == "" {
		log.Errorf("rpc.Register: no service name for type %s", typ)
		return
	}
	for m := 0; m < typ.NumMethod(); m++ {
		method := typ.Method(m)
		mname := method.Name
		mtype := method.Type
		// method must be exported
		if method.PkgPath != "" {
			continue
		}
		// Method needs three ins: (receiver, args, *reply)
		if mtype.NumIn() != 3 {
			log.Warnf("method %s has wrong number of ins: %d", mname, mtype.NumIn())
			continue
		}
		argType := mtype.In(1)
		if !isExportedOrBuiltinType(argType) {
			log.Warnf("%s argument type not exported: %s", mname, argType)
			continue
		}
		replyType := mtype.In(2)
		if replyType.Kind() != reflect.Ptr {
			log.Warnf("method %s reply type not a pointer: %s", mname, replyType)
			continue
		}
		if !isExportedOrBuiltinType(replyType) {
			log.Warnf("method %s reply type not exported: %s", mname, replyType)
			continue
		}
		if mtype.NumOut() != 1 {
			log.Warnf("method %s has wrong number of outs: %d", mname, mtype.NumOut())
			continue
		}
		if returnType := mtype.Out(0); returnType != typeOfError {
			log.Warnf("method %s returns %s not error", mname, returnType)
			continue
		}
		methods[sname+"."+mname] = &methodType{method: method, ArgType: argType, ReplyType: replyType, Rcvr: rcvrv}
	}
}

func (s *ServerImpl) serveJSONCodec(conn io.ReadWriteCloser, methods map[string]*methodType) {
	codec := jsonrpc.NewServerCodec(conn)
	defer codec.Close()
	var req rpc.Request
	var resp rpc.Response
	for {
		req = rpc.Request{}
		err := codec.ReadRequestHeader(&req)
		if err != nil {
			if err != io.EOF {
				s.log.Errorf("rpc: %v", err)
			}
			return
		}

		mtype, ok := methods[req.ServiceMethod]
		if !ok {
			s.log.Errorf("rpc: can't find method %s", req.ServiceMethod)
			// the body must be consumed before the next header
			codec.ReadRequestBody(nil)
			resp = rpc.Response{}
			s.sendResponse(&req, &resp, nil, codec, fmt.Sprintf("unknown method: %s", req.ServiceMethod))
			continue
		}

		var argv, replyv reflect.Value

		// Decode the argument value.
		argIsValue := false // if true, need to indirect before calling.
		if mtype.ArgType.Kind() == reflect.Ptr {
			argv = reflect.New(mtype.ArgType.Elem())
		} else {
			argv = reflect.New(mtype.ArgType)
			argIsValue = true
		}
		// argv guaranteed to be a pointer now.
		if err = codec.ReadRequestBody(argv.Interface()); err != nil {
			return
		}
		if argIsValue {
			argv = argv.Elem()
		}

		if logflags.RPC() {
			argvbytes, _ := json.Marshal(argv.Interface())
			s.log.Debugf("<- %s(%T%s)", req.ServiceMethod, argv.Interface(), argvbytes)
		}

		replyv = reflect.New(mtype.ReplyType.Elem())
		returnValues := mtype.method.Func.Call([]reflect.Value{mtype.Rcvr, argv, replyv})
		errmsg := ""
		if errInter := returnValues[0].Interface(); errInter != nil {
			errmsg = api.StatusMessage(errInter.(error))
		}
		if logflags.RPC() {
			replyvbytes, _ := json.Marshal(replyv.Interface())
			s.log.Debugf("-> %T%s error: %q", replyv.Interface(), replyvbytes, errmsg)
		}
		resp = rpc.Response{}
		s.sendResponse(&req, &resp, replyv.Interface(), codec, errmsg)
	}
}

// A value sent as a placeholder for the server's response value when the server
// receives an invalid request. It is never decoded by the client since the Response
// contains an error when it is used.
var invalidRequest = struct{}{}

func (s *ServerImpl) sendResponse(req *rpc.Request, resp *rpc.Response, reply interface{}, codec rpc.ServerCodec, errmsg string) {
	resp.ServiceMethod = req.ServiceMethod
	if errmsg != "" {
		resp.Error = errmsg
		reply = invalidRequest
	}
	resp.Seq = req.Seq
	err := codec.WriteResponse(resp, reply)
	if err != nil {
		s.log.Errorf("writing response: %v", err)
	}
}

// GetVersion returns the version of dbfs as well as the API version
// currently served.
func (s *RPCServer) GetVersion(args api.GetVersionIn, out *api.GetVersionOut) error {
	out.DbfsVersion = version.DbfsVersion.String()
	out.APIVersion = s.s.config.APIVersion
	return nil
}

// Detach stops the server. Connected clients keep their connection until
// they close it.
func (s *RPCServer) Detach(arg rpc2.DetachIn, ret *rpc2.DetachOut) error {
	s.s.disconnect()
	return s.s.Stop()
}
