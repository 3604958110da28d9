package service_test

import (
	"flag"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dbfs-tools/dbfs/pkg/logflags"
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	protest "github.com/dbfs-tools/dbfs/pkg/proc/test"
	"github.com/dbfs-tools/dbfs/pkg/version"
	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
	"github.com/dbfs-tools/dbfs/service/introspector"
	"github.com/dbfs-tools/dbfs/service/rpc2"
	"github.com/dbfs-tools/dbfs/service/rpccommon"
)

const (
	mappedAddr    = 0x7f0000401abc
	mappedFrame   = 0x12345
	malformedAddr = 0x7f0000600000
)

func TestMain(m *testing.M) {
	var logOutput string
	flag.StringVar(&logOutput, "log-output", "", "configures log output")
	flag.Parse()
	logflags.Setup(logOutput != "", logOutput, "")
	os.Exit(m.Run())
}

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion: %s - %s", s, err)
	}
}

func assertStatus(err error, status int, t testing.TB, s string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error with status %d", s, status)
	}
	if got := api.Status(err); got != status {
		t.Fatalf("%s: expected status %d got %d (%v)", s, status, got, err)
	}
}

func withTestClient2(t *testing.T, fn func(c service.Client)) {
	listener, clientConn := service.ListenerPipe()
	defer listener.Close()
	server := rpccommon.NewServer(&service.Config{
		Listener:     listener,
		Introspector: introspector.Config{Snapshot: protest.Snapshot(t)},
	})
	if err := server.Run(); err != nil {
		t.Fatal(err)
	}
	client := rpc2.NewClientFromConn(clientConn)
	defer client.Detach()
	fn(client)
}

func TestClientServer_Translate(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		req := api.EncodeTranslateRequest(api.TranslateRequest{Pid: 1, Addr: mappedAddr})
		out, err := c.Translate(req, 0)
		assertNoError(err, t, "Translate")
		if len(out) != api.TranslateBufferLen {
			t.Fatalf("expected %d bytes got %d", api.TranslateBufferLen, len(out))
		}
		pfn, ok := api.UnpackTranslation(out)
		if !ok || pfn != mappedFrame {
			t.Fatalf("expected frame %#x got %#x", mappedFrame, uint64(pfn))
		}
		if out[16] != req[8] || out[17]&0xf != req[9]%16 {
			t.Fatalf("address bytes not copied: % x", out[16:18])
		}

		out, err = c.Translate(req, 18)
		assertNoError(err, t, "Translate(18)")
		if len(out) != 18 || out[17]>>4 != mappedFrame&0xf {
			t.Fatalf("unexpected short response % x", out)
		}
	})
}

func TestClientServer_TranslateErrors(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		_, err := c.Translate(api.EncodeTranslateRequest(api.TranslateRequest{Pid: 99, Addr: mappedAddr}), 0)
		assertStatus(err, api.StatusInvalidArgs, t, "unknown pid")

		_, err = c.Translate(api.EncodeTranslateRequest(api.TranslateRequest{Pid: 1, Addr: malformedAddr}), 0)
		assertStatus(err, api.StatusInvalidArgs, t, "malformed pmd")

		_, err = c.Translate(api.EncodeTranslateRequest(api.TranslateRequest{Pid: 42, Addr: mappedAddr}), 0)
		assertStatus(err, api.StatusInvalidArgs, t, "no page tables")

		_, err = c.Translate(make([]byte, 10), 20)
		assertStatus(err, api.StatusBufferFault, t, "short buffer")
	})
}

func TestClientServer_Walk(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		w, err := c.Walk(1, mappedAddr)
		assertNoError(err, t, "Walk")
		if w.Err != "" || w.PFN != mappedFrame || len(w.Levels) != pagetable.Levels {
			t.Fatalf("unexpected walk %#v", w)
		}

		w, err = c.Walk(1, malformedAddr)
		assertNoError(err, t, "Walk(malformed)")
		if w.Err == "" || len(w.Levels) != 4 {
			t.Fatalf("unexpected walk %#v", w)
		}
		if last := w.Levels[3]; last.Level != "pmd" || last.State != "malformed" {
			t.Fatalf("unexpected last level %#v", last)
		}

		_, err = c.Walk(99, mappedAddr)
		assertStatus(err, api.StatusInvalidArgs, t, "Walk(99)")
	})
}

func TestClientServer_Ancestry(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		out, err := c.ReadChain(0, api.ChainBufferLen)
		assertNoError(err, t, "ReadChain before write")
		if len(out) != 0 {
			t.Fatalf("expected empty chain before write, got %q", out)
		}

		assertNoError(c.WritePid([]byte("43\n")), t, "WritePid(43)")
		const want = "systemd (1)\nbash (42)\nvim (43)\n"
		out, err = c.ReadChain(0, api.ChainBufferLen)
		assertNoError(err, t, "ReadChain")
		if string(out) != want {
			t.Fatalf("expected %q got %q", want, out)
		}

		assertStatus(c.WritePid([]byte("1000000")), api.StatusInvalidArgs, t, "WritePid(unknown)")
		assertStatus(c.WritePid([]byte("0")), api.StatusInvalidArgs, t, "WritePid(0)")
		assertStatus(c.WritePid([]byte(strings.Repeat("1", api.ChainBufferLen+1))), api.StatusBufferFault, t, "WritePid(long)")
		out, _ = c.ReadChain(0, api.ChainBufferLen)
		if string(out) != want {
			t.Fatalf("failed write changed the chain: %q", out)
		}

		chain, err := c.Ancestors(2)
		assertNoError(err, t, "Ancestors(2)")
		if len(chain) != 1 || chain[0] != (api.ChainEntry{Comm: "kthreadd", Pid: 2}) {
			t.Fatalf("unexpected chain %v", chain)
		}
		// the structured call does not touch the session
		out, _ = c.ReadChain(0, api.ChainBufferLen)
		if string(out) != want {
			t.Fatalf("Ancestors changed the session chain: %q", out)
		}
	})
}

func TestClientServer_GetVersion(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		v, err := c.GetVersion()
		assertNoError(err, t, "GetVersion")
		if v.APIVersion != 2 || v.DbfsVersion != version.DbfsVersion.String() {
			t.Fatalf("unexpected version %#v", v)
		}
	})
}

func TestClientServer_UnknownMethod(t *testing.T) {
	withTestClient2(t, func(c service.Client) {
		err := c.(*rpc2.RPCClient).CallAPI("Bogus", struct{}{}, new(struct{}))
		if err == nil || !strings.Contains(err.Error(), "unknown method") {
			t.Fatalf("expected unknown method error, got %v", err)
		}
		// the connection is still usable
		_, err = c.GetVersion()
		assertNoError(err, t, "GetVersion")
	})
}

func TestSessionPerConnection(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("couldn't start listener: %s\n", err)
	}
	server := rpccommon.NewServer(&service.Config{
		Listener:     listener,
		AcceptMulti:  true,
		Introspector: introspector.Config{Snapshot: protest.Snapshot(t)},
	})
	assertNoError(server.Run(), t, "Run")
	defer server.Stop()

	a, err := rpc2.NewClient(listener.Addr().String())
	assertNoError(err, t, "NewClient(a)")
	defer a.Disconnect()
	b, err := rpc2.NewClient(listener.Addr().String())
	assertNoError(err, t, "NewClient(b)")
	defer b.Disconnect()

	assertNoError(a.WritePid([]byte("42")), t, "a.WritePid")
	outb, err := b.ReadChain(0, api.ChainBufferLen)
	assertNoError(err, t, "b.ReadChain")
	if len(outb) != 0 {
		t.Fatalf("session of b sees the chain of a: %q", outb)
	}
	assertNoError(b.WritePid([]byte("2")), t, "b.WritePid")

	outa, _ := a.ReadChain(0, api.ChainBufferLen)
	outb, _ = b.ReadChain(0, api.ChainBufferLen)
	if string(outa) != "systemd (1)\nbash (42)\n" || string(outb) != "kthreadd (2)\n" {
		t.Fatalf("unexpected chains %q %q", outa, outb)
	}
}

func TestSessionLimit(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("couldn't start listener: %s\n", err)
	}
	server := rpccommon.NewServer(&service.Config{
		Listener:     listener,
		AcceptMulti:  true,
		Introspector: introspector.Config{Snapshot: protest.Snapshot(t), MaxSessions: 1},
	})
	assertNoError(server.Run(), t, "Run")
	defer server.Stop()

	a, err := rpc2.NewClient(listener.Addr().String())
	assertNoError(err, t, "NewClient(a)")
	defer a.Disconnect()
	assertNoError(a.WritePid([]byte("43")), t, "a.WritePid")

	b, err := rpc2.NewClient(listener.Addr().String())
	assertNoError(err, t, "NewClient(b)")
	defer b.Disconnect()
	if _, err := b.ReadChain(0, api.ChainBufferLen); err == nil {
		t.Fatal("connection over the session limit was served")
	}

	out, err := a.ReadChain(0, api.ChainBufferLen)
	assertNoError(err, t, "a.ReadChain")
	if string(out) != "systemd (1)\nbash (42)\nvim (43)\n" {
		t.Fatalf("open session lost its chain: %q", out)
	}
}

func TestDetach(t *testing.T) {
	listener, clientConn := service.ListenerPipe()
	disconnected := make(chan struct{})
	server := rpccommon.NewServer(&service.Config{
		Listener:       listener,
		Introspector:   introspector.Config{Snapshot: protest.Snapshot(t)},
		DisconnectChan: disconnected,
	})
	assertNoError(server.Run(), t, "Run")
	client := rpc2.NewClientFromConn(clientConn)
	assertNoError(client.Detach(), t, "Detach")
	select {
	case <-disconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not signal the disconnection")
	}
}

func TestRunWithInvalidSnapshot(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("couldn't start listener: %s\n", err)
	}
	defer listener.Close()
	server := rpccommon.NewServer(&service.Config{
		Listener:     listener,
		Introspector: introspector.Config{Snapshot: filepath.Join(t.TempDir(), "missing.yml")},
	})
	if err := server.Run(); err == nil {
		t.Fatal("Run succeeded on a missing snapshot")
	}

	server = rpccommon.NewServer(&service.Config{Listener: listener, APIVersion: 1})
	if err := server.Run(); err == nil || !strings.Contains(err.Error(), "API version") {
		t.Fatalf("expected API version error, got %v", err)
	}
}
