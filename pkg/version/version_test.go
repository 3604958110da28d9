package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionString(t *testing.T) {
	v := Version{Major: "1", Minor: "2", Patch: "3", Metadata: "rc1", Build: "abc"}
	if s := v.String(); s != "Version: 1.2.3-rc1\nBuild: abc" {
		t.Fatalf("unexpected version string %q", s)
	}
	v.Metadata = ""
	if s := v.String(); !strings.HasPrefix(s, "Version: 1.2.3\n") {
		t.Fatalf("unexpected version string %q", s)
	}
}

func TestBuildInfo(t *testing.T) {
	if s := BuildInfo(); !strings.HasPrefix(s, runtime.Version()+"\n") {
		t.Fatalf("build info does not start with the Go version: %q", s)
	}
}
