package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The backend and logging flags are persistent flags of the root command
// so that they can be given before the subcommand name, but not every
// subcommand uses them.
//
// For example:
//
//	dbfs --snapshot=procs.yml serve
//
// must parse successfully even though the snapshot flag is not applicable
// to the 'connect' subcommand.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "dbfs", "help", "log", "version":
		hideAllFlags(cmd)
	case "connect":
		hideFlag(cmd, "listen")
		hideFlag(cmd, "native")
		hideFlag(cmd, "snapshot")
	case "snapshot":
		hideFlag(cmd, "listen")
		hideFlag(cmd, "native")
		hideFlag(cmd, "snapshot")
	case "open", "translate", "ptree":
		hideFlag(cmd, "listen")
	case "serve":
		// All flags apply
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag == nil {
		flag = cmd.PersistentFlags().Lookup(name)
	}
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
