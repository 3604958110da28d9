package cmds

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dbfs-tools/dbfs/cmd/dbfs/cmds/helphelpers"
	"github.com/dbfs-tools/dbfs/pkg/config"
	"github.com/dbfs-tools/dbfs/pkg/logflags"
	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/pkg/proc/core"
	"github.com/dbfs-tools/dbfs/pkg/proc/native"
	"github.com/dbfs-tools/dbfs/pkg/terminal"
	"github.com/dbfs-tools/dbfs/pkg/version"
	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
	"github.com/dbfs-tools/dbfs/service/introspector"
	"github.com/dbfs-tools/dbfs/service/rpc2"
	"github.com/dbfs-tools/dbfs/service/rpccommon"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the introspection server listen address.
	addr string
	// snapshot is the snapshot file served by the introspector.
	snapshot string
	// nativeBackend serves the processes of the running system.
	nativeBackend bool
	// acceptMulti allows multiple clients to connect to the same server
	acceptMulti bool
	// checkLocalConnUser is true if the server should check that local
	// connections come from the same user that started it
	checkLocalConnUser bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dbfsCommandLongDesc = `dbfs inspects the page tables and the process tree of a system.

It translates virtual addresses of a process to physical frames, walking the
five levels of the page table, and prints the chain of ancestors of a process.

Queries are answered either from a snapshot file or, with --native, from the
process tree of the running system.`

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}
	defaultAddr := "127.0.0.1:0"
	if conf.Listen != "" {
		defaultAddr = conf.Listen
	}

	// Main dbfs root command.
	rootCommand = &cobra.Command{
		Use:   "dbfs",
		Short: "dbfs translates addresses and walks process ancestry.",
		Long:  dbfsCommandLongDesc,
	}

	rootCommand.PersistentFlags().StringVarP(&addr, "listen", "l", defaultAddr, "Introspection server listen address, prefix with unix: for a unix socket.")

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbfs help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbfs help log').")

	addBackendFlags(rootCommand.PersistentFlags())

	// 'serve' subcommand.
	serveCommand := &cobra.Command{
		Use:   "serve",
		Short: "Start a headless introspection server.",
		Long: `Start a headless introspection server.

The server listens on the address given by --listen and answers translate and
ancestry requests until it receives SIGINT or, without --accept-multiclient,
until its client disconnects. Every connection has its own ancestry session.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(serve(os.Stdout))
		},
	}
	serveCommand.Flags().BoolVarP(&acceptMulti, "accept-multiclient", "", false, "Allows the server to accept multiple client connections.")
	serveCommand.Flags().BoolVarP(&checkLocalConnUser, "only-same-user", "", true, "Only connections from the same user that started this instance of dbfs are allowed to connect.")
	rootCommand.AddCommand(serveCommand)

	// 'connect' subcommand.
	connectCommand := &cobra.Command{
		Use:   "connect addr",
		Short: "Connect to a headless introspection server.",
		Long:  "Connect to a running headless introspection server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide an address as the first argument")
			}
			return nil
		},
		Run: connectCmd,
	}
	rootCommand.AddCommand(connectCommand)

	// 'open' subcommand.
	openCommand := &cobra.Command{
		Use:   "open",
		Short: "Start an in-process server and a terminal connected to it.",
		Long: `Start an in-process server and a terminal connected to it.

The server is stopped when the terminal exits.`,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(open())
		},
	}
	rootCommand.AddCommand(openCommand)

	// 'translate' subcommand.
	translateCommand := &cobra.Command{
		Use:   "translate pid vaddr",
		Short: "Translate a virtual address of a process.",
		Long: `Translate a virtual address of a process to a physical frame.

The address is read as hexadecimal with a 0x prefix, octal with a 0 prefix
and decimal otherwise. Every level of the walk is printed with --levels.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return errors.New("you must provide a pid and a virtual address")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			levels, _ := cmd.Flags().GetBool("levels")
			os.Exit(translate(os.Stdout, args[0], args[1], levels))
		},
	}
	translateCommand.Flags().Bool("levels", false, "Print every page table level visited.")
	rootCommand.AddCommand(translateCommand)

	// 'ptree' subcommand.
	ptreeCommand := &cobra.Command{
		Use:   "ptree pid",
		Short: "Print the ancestors of a process.",
		Long: `Print the ancestors of a process, the oldest first.

Each line has the form "comm (pid)". The root of the process tree is not
printed.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errors.New("you must provide a pid")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(ptree(os.Stdout, args[0]))
		},
	}
	rootCommand.AddCommand(ptreeCommand)

	// 'snapshot' subcommand.
	snapshotCommand := &cobra.Command{
		Use:   "snapshot pid...",
		Short: "Write a snapshot of the ancestry of processes.",
		Long: `Write a snapshot of the ancestry of processes of the running system.

The snapshot is written to standard output in the format read by --snapshot.
It contains the given processes and all of their ancestors, without page
tables.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide at least one pid")
			}
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(snapshotCmd(os.Stdout, args))
		},
	}
	rootCommand.AddCommand(snapshotCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbfs\n%s\n", version.DbfsVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Printf("Build Details: %s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print verbose version info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	translator	Log every page table level visited by a translation
	ancestry	Log ancestry walks and chain truncation
	rpc		Log all RPC messages
	registry	Log process registry lookups
	session		Log session creation, closing and refused connections

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message of serve.
`,
	})

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func addBackendFlags(fs *pflag.FlagSet) {
	fs.StringVar(&snapshot, "snapshot", "", "Snapshot file to serve (default from the config file).")
	fs.BoolVar(&nativeBackend, "native", false, "Serve the processes of the running system.")
}

// introspectorConfig returns the backend selected by the command line,
// falling back to the snapshot of the config file.
func introspectorConfig() introspector.Config {
	c := introspector.Config{
		Snapshot:    snapshot,
		Native:      nativeBackend,
		MaxSessions: conf.GetMaxSessions(),
	}
	if c.Snapshot == "" && !c.Native {
		c.Snapshot = conf.Snapshot
	}
	return c
}

func listen(addr string) (net.Listener, error) {
	if path := strings.TrimPrefix(addr, "unix:"); path != addr {
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", addr)
}

func serve(stdout io.Writer) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	listener, err := listen(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "couldn't start listener: %s\n", err)
		return 1
	}
	defer listener.Close()

	disconnectChan := make(chan struct{})
	server := rpccommon.NewServer(&service.Config{
		Listener:           listener,
		AcceptMulti:        acceptMulti,
		APIVersion:         2,
		CheckLocalConnUser: checkLocalConnUser,
		DisconnectChan:     disconnectChan,
		Introspector:       introspectorConfig(),
	})
	if err := server.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if logDest == "" {
		fmt.Fprintf(stdout, "API server listening at: %s\n", listener.Addr())
	} else {
		logflags.WriteAPIListeningMessage(listener.Addr().String())
	}

	waitForDisconnectSignal(disconnectChan)
	if err := server.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func connectCmd(cmd *cobra.Command, args []string) {
	addr := args[0]
	if addr == "" {
		fmt.Fprint(os.Stderr, "An empty address was provided. You must provide an address as the first argument.\n")
		os.Exit(1)
	}
	os.Exit(connect(addr, nil, false))
}

func open() int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	// Make a local in-memory connection that client and server use to communicate
	listener, clientConn := service.ListenerPipe()
	defer listener.Close()

	server := rpccommon.NewServer(&service.Config{
		Listener:     listener,
		APIVersion:   2,
		Introspector: introspectorConfig(),
	})
	if err := server.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return connect("", clientConn, true)
}

func connect(addr string, clientConn net.Conn, stopServer bool) int {
	var client *rpc2.RPCClient
	if clientConn != nil {
		client = rpc2.NewClientFromConn(clientConn)
	} else {
		var err error
		client, err = rpc2.NewClient(addr)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
	}
	term := terminal.New(client, conf)
	term.StopServerOnExit = stopServer
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

// newIntrospector builds the introspector used by the one-shot commands.
func newIntrospector() (*introspector.Introspector, int) {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return nil, 1
	}
	c := introspectorConfig()
	it, err := introspector.New(&c)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, 1
	}
	return it, 0
}

func translate(stdout io.Writer, pidstr, vaddrstr string, levels bool) int {
	pid, err := strconv.Atoi(pidstr)
	if err != nil || pid < 0 {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", pidstr)
		return 1
	}
	vaddr, err := strconv.ParseUint(vaddrstr, 0, 64)
	if err != nil || vaddr > pagetable.AddressMask {
		fmt.Fprintf(os.Stderr, "Invalid virtual address: %s\n", vaddrstr)
		return 1
	}
	it, status := newIntrospector()
	if it == nil {
		return status
	}
	defer logflags.Close()

	w, err := it.Walk(pid, vaddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (status %d)\n", err, api.Status(err))
		return 1
	}
	if levels {
		for _, l := range w.Levels {
			fmt.Fprintf(stdout, "%s[%d] = %#016x %s\n", l.Level, l.Index, l.Entry, l.State)
		}
	}
	if w.Err != "" {
		fmt.Fprintf(os.Stderr, "%s (status %d)\n", w.Err, api.StatusInvalidArgs)
		return 1
	}
	va := pagetable.NewVirtualAddress(vaddr)
	pfn := pagetable.PFN(w.PFN)
	fmt.Fprintf(stdout, "%s -> frame %s (physical %#x)\n", va, pfn, pfn.Address()|va.Offset())
	return 0
}

func ptree(stdout io.Writer, pidstr string) int {
	it, status := newIntrospector()
	if it == nil {
		return status
	}
	defer logflags.Close()

	id, err := it.NewSession()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer it.CloseSession(id)
	if err := it.WritePid(id, []byte(pidstr)); err != nil {
		fmt.Fprintf(os.Stderr, "%v (status %d)\n", err, api.Status(err))
		return 1
	}
	chain, err := it.ReadChain(id, 0, api.ChainBufferLen)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	stdout.Write(chain)
	return 0
}

func snapshotCmd(stdout io.Writer, args []string) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	pids := make([]int, 0, len(args))
	for _, arg := range args {
		pid, err := strconv.Atoi(arg)
		if err != nil || pid <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", arg)
			return 1
		}
		pids = append(pids, pid)
	}
	reg, err := native.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	s, err := core.FromRegistry(reg, pids)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	out, err := s.Marshal()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	stdout.Write(out)
	return 0
}
