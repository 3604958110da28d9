package test

import (
	"os"
	"path/filepath"
	"testing"
)

// SnapshotFile is the name of the snapshot fixture shared by the service,
// terminal and command line tests.
const SnapshotFile = "snapshot.yml"

// FindFixturesDir will search for the directory holding all test fixtures
// beginning with the current directory and searching up 10 directories.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// Snapshot returns the absolute path of the snapshot fixture. The fixture
// describes:
//
//	pid 1   systemd, 0x7f0000401000 mapped to frame 0x12345, a malformed
//	        pmd entry for 0x7f0000600000
//	pid 2   kthreadd, child of the root
//	pid 42  bash, child of 1
//	pid 43  vim, child of 42
func Snapshot(t testing.TB) string {
	t.Helper()
	path, err := filepath.Abs(filepath.Join(FindFixturesDir(), SnapshotFile))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("could not find snapshot fixture: %v", err)
	}
	return path
}
