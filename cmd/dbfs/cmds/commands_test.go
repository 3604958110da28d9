package cmds

import (
	"bytes"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/dbfs-tools/dbfs/pkg/config"
	"github.com/dbfs-tools/dbfs/pkg/proc/core"
	protest "github.com/dbfs-tools/dbfs/pkg/proc/test"
)

func assertNoError(err error, t testing.TB, s string) {
	t.Helper()
	if err != nil {
		t.Fatalf("failed assertion: %s - %s\n", s, err)
	}
}

// withBackend selects the snapshot backend for the duration of the test.
func withBackend(t *testing.T, path string) {
	oldSnapshot, oldNative, oldConf := snapshot, nativeBackend, conf
	snapshot, nativeBackend, conf = path, false, &config.Config{}
	t.Cleanup(func() {
		snapshot, nativeBackend, conf = oldSnapshot, oldNative, oldConf
	})
}

func TestCommandTree(t *testing.T) {
	root := New(true)
	for _, name := range []string{"serve", "connect", "open", "translate", "ptree", "snapshot", "version", "log"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not found: %v", name, err)
		}
	}
	for _, flag := range []string{"listen", "log", "log-output", "log-dest", "snapshot", "native"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("missing persistent flag --%s", flag)
		}
	}
}

func TestTranslate(t *testing.T) {
	withBackend(t, protest.Snapshot(t))

	var out bytes.Buffer
	if status := translate(&out, "1", "0x7f0000401abc", false); status != 0 {
		t.Fatalf("translate returned %d", status)
	}
	const want = "0x7f0000401abc -> frame 0x12345 (physical 0x12345abc)\n"
	if out.String() != want {
		t.Fatalf("expected %q got %q", want, out.String())
	}

	out.Reset()
	if status := translate(&out, "1", "0x7f0000401abc", true); status != 0 {
		t.Fatalf("translate --levels returned %d", status)
	}
	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 6 || !strings.HasPrefix(lines[0], "pgd[0] = ") || !strings.HasPrefix(lines[4], "pte[1] = ") {
		t.Fatalf("unexpected levels output:\n%s", out.String())
	}

	for _, tc := range []struct {
		pid, vaddr string
	}{
		{"abc", "0x1000"},
		{"1", "zzz"},
		{"1", "0x1000000000000"},
		{"99", "0x1000"},
		{"1", "0x7f0000600000"},
	} {
		out.Reset()
		if status := translate(&out, tc.pid, tc.vaddr, false); status != 1 {
			t.Errorf("translate(%s, %s) returned %d", tc.pid, tc.vaddr, status)
		}
	}
}

func TestPtree(t *testing.T) {
	withBackend(t, protest.Snapshot(t))

	var out bytes.Buffer
	if status := ptree(&out, "43"); status != 0 {
		t.Fatalf("ptree returned %d", status)
	}
	if out.String() != "systemd (1)\nbash (42)\nvim (43)\n" {
		t.Fatalf("unexpected chain %q", out.String())
	}

	out.Reset()
	if status := ptree(&out, "99"); status != 1 || out.Len() != 0 {
		t.Fatalf("ptree(99) returned %d, %q", status, out.String())
	}
}

func TestMissingBackend(t *testing.T) {
	withBackend(t, "")
	var out bytes.Buffer
	if status := ptree(&out, "1"); status != 1 {
		t.Fatalf("ptree without a backend returned %d", status)
	}
}

func TestIntrospectorConfig(t *testing.T) {
	withBackend(t, "")
	conf.Snapshot = "from-config.yml"
	if c := introspectorConfig(); c.Snapshot != "from-config.yml" || c.MaxSessions != config.DefaultMaxSessions {
		t.Fatalf("unexpected config %#v", c)
	}

	snapshot = "from-flag.yml"
	if c := introspectorConfig(); c.Snapshot != "from-flag.yml" {
		t.Fatalf("flag did not override the config file: %#v", c)
	}

	snapshot, nativeBackend = "", true
	if c := introspectorConfig(); c.Snapshot != "" || !c.Native {
		t.Fatalf("native backend picked up the config snapshot: %#v", c)
	}
}

func TestListenUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix sockets not supported")
	}
	path := filepath.Join(t.TempDir(), "dbfs.sock")
	l, err := listen("unix:" + path)
	assertNoError(err, t, "listen")
	defer l.Close()
	if l.Addr().Network() != "unix" {
		t.Fatalf("expected a unix listener, got %s", l.Addr().Network())
	}
}

func TestSnapshotCommand(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("native registry only available on linux")
	}
	var out bytes.Buffer
	if status := snapshotCmd(&out, []string{"self"}); status != 1 {
		t.Fatalf("invalid pid accepted")
	}
	if status := snapshotCmd(&out, []string{"1"}); status != 0 {
		t.Fatalf("snapshot returned %d", status)
	}
	tree, err := core.Load(out.Bytes())
	assertNoError(err, t, "Load")
	if _, ok := tree.Lookup(1); !ok {
		t.Fatalf("pid 1 missing from snapshot:\n%s", out.String())
	}
}

func TestHelpHidesFlags(t *testing.T) {
	root := New(true)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"help", "connect"})
	assertNoError(root.Execute(), t, "help connect")
	if strings.Contains(out.String(), "--snapshot") || strings.Contains(out.String(), "--native") {
		t.Fatalf("backend flags shown for connect:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "--log-output") {
		t.Fatalf("logging flags missing for connect:\n%s", out.String())
	}
}
