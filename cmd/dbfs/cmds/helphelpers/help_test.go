package helphelpers

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newTree() (root, connect, serve *cobra.Command) {
	root = &cobra.Command{Use: "dbfs"}
	root.PersistentFlags().String("listen", "", "")
	root.PersistentFlags().String("snapshot", "", "")
	root.PersistentFlags().Bool("native", false, "")
	root.PersistentFlags().Bool("log", false, "")
	connect = &cobra.Command{Use: "connect", Run: func(*cobra.Command, []string) {}}
	serve = &cobra.Command{Use: "serve", Run: func(*cobra.Command, []string) {}}
	serve.Flags().Bool("accept-multiclient", false, "")
	root.AddCommand(connect, serve)
	return root, connect, serve
}

func TestPrepareConnect(t *testing.T) {
	root, connect, _ := newTree()
	Prepare(connect)
	for _, name := range []string{"listen", "snapshot", "native"} {
		if f := root.PersistentFlags().Lookup(name); f == nil || !f.Hidden {
			t.Errorf("flag %s not hidden for connect", name)
		}
	}
	if f := root.PersistentFlags().Lookup("log"); f.Hidden {
		t.Errorf("flag log hidden for connect")
	}
}

func TestPrepareServe(t *testing.T) {
	root, _, serve := newTree()
	Prepare(serve)
	hidden := 0
	root.PersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			hidden++
		}
	})
	if hidden != 0 || serve.Flags().Lookup("accept-multiclient").Hidden {
		t.Fatalf("serve hides %d flags", hidden)
	}
}

func TestPrepareRoot(t *testing.T) {
	root, _, _ := newTree()
	Prepare(root)
	if f := root.PersistentFlags().Lookup("log"); !f.Hidden {
		t.Fatal("root flags not hidden")
	}
}
