package main

import (
	"os"

	"github.com/dbfs-tools/dbfs/cmd/dbfs/cmds"
	"github.com/dbfs-tools/dbfs/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	version.DbfsVersion.Build = Build
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
