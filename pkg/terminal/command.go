// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"

	"github.com/dbfs-tools/dbfs/pkg/pagetable"
	"github.com/dbfs-tools/dbfs/service"
	"github.com/dbfs-tools/dbfs/service/api"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Commands represents the commands for the dbfs terminal.
type Commands struct {
	cmds []command
	// lookup maps every alias to the index of its command.
	lookup *trie.Trie
	client service.Client
}

// DefaultCommands returns a Commands struct with default commands defined.
func DefaultCommands(client service.Client) *Commands {
	c := &Commands{client: client}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"translate", "t"}, cmdFn: translate, helpMsg: `Translates a virtual address to a physical frame.

	translate [-raw] <pid> <vaddr> [length]

Sends a translate request for <vaddr> in the address space of <pid>. The
server reads [length] bytes of the request, 100 when omitted. With -raw the
response buffer is dumped as well.`},
		{aliases: []string{"walk", "w"}, cmdFn: walk, helpMsg: `Shows every page table level visited by a translation.

	walk <pid> <vaddr>`},
		{aliases: []string{"write"}, cmdFn: writePid, helpMsg: `Writes a pid to the ancestry input of this session.

	write <pid>

The chain is read back with "read".`},
		{aliases: []string{"read", "r"}, cmdFn: readChain, helpMsg: `Reads the ancestry chain of this session.

	read [offset] [length]

Prints nothing until a pid has been written successfully.`},
		{aliases: []string{"ptree", "p"}, cmdFn: ptree, helpMsg: `Prints the ancestry chain of a process.

	ptree <pid>

Equivalent to "write <pid>" followed by "read".`},
		{aliases: []string{"ancestors", "a"}, cmdFn: ancestors, helpMsg: `Prints the ancestors of a process as a tree.

	ancestors <pid>

Unlike ptree the session chain is left untouched.`},
		{aliases: []string{"version"}, cmdFn: printVersion, helpMsg: `Prints version.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the terminal.

	exit`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.index()
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

func (c *Commands) index() {
	c.lookup = trie.New()
	for i := range c.cmds {
		for _, alias := range c.cmds[i].aliases {
			c.lookup.Add(alias, i)
		}
	}
}

// Find will look up the command function for the given command input.
// An alias matches exactly, otherwise a prefix of a single command name
// is accepted.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}
	if n, ok := c.lookup.Find(cmdstr); ok {
		return c.cmds[n.Meta().(int)].cmdFn
	}
	matches := c.prefixMatches(cmdstr)
	switch len(matches) {
	case 0:
		return noCmdAvailable
	case 1:
		return c.cmds[matches[0]].cmdFn
	}
	names := make([]string, 0, len(matches))
	for _, i := range matches {
		names = append(names, c.cmds[i].aliases[0])
	}
	return func(*Term, string) error {
		return fmt.Errorf("ambiguous command %q: %s", cmdstr, strings.Join(names, ", "))
	}
}

// prefixMatches returns the indexes of the commands with an alias starting
// with prefix.
func (c *Commands) prefixMatches(prefix string) []int {
	seen := make(map[int]bool)
	var r []int
	for _, alias := range c.lookup.PrefixSearch(prefix) {
		n, ok := c.lookup.Find(alias)
		if !ok {
			continue
		}
		i := n.Meta().(int)
		if !seen[i] {
			seen[i] = true
			r = append(r, i)
		}
	}
	sort.Ints(r)
	return r
}

// Complete returns the aliases starting with line.
func (c *Commands) Complete(line string) []string {
	r := c.lookup.PrefixSearch(strings.ToLower(line))
	sort.Strings(r)
	return r
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.index()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		if n, ok := c.lookup.Find(args); ok {
			fmt.Fprintln(t.stdout, c.cmds[n.Meta().(int)].helpMsg)
			return nil
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would, rejecting command
// substitution.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

func parsePid(s string) (int, error) {
	pid, err := strconv.Atoi(s)
	if err != nil || pid < 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return pid, nil
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	if addr > pagetable.AddressMask {
		return 0, fmt.Errorf("address %#x does not fit in %d bits", addr, pagetable.AddressBits)
	}
	return addr, nil
}

func translate(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	raw := false
	if len(v) > 0 && v[0] == "-raw" {
		raw = true
		v = v[1:]
	}
	if len(v) < 2 || len(v) > 3 {
		return errors.New("wrong number of arguments: translate [-raw] <pid> <vaddr> [length]")
	}
	pid, err := parsePid(v[0])
	if err != nil {
		return err
	}
	if pid > math.MaxUint16 {
		return fmt.Errorf("pid %d does not fit in a translate request", pid)
	}
	addr, err := parseAddr(v[1])
	if err != nil {
		return err
	}
	length := api.TranslateBufferLen
	if len(v) == 3 {
		length, err = strconv.Atoi(v[2])
		if err != nil || length <= 0 {
			return fmt.Errorf("invalid length %q", v[2])
		}
	}

	va := pagetable.NewVirtualAddress(addr)
	req := api.EncodeTranslateRequest(api.TranslateRequest{Pid: uint16(pid), Addr: va})
	if length > len(req) {
		req = append(req, make([]byte, length-len(req))...)
	}
	resp, err := t.client.Translate(req, length)
	if err != nil {
		return err
	}
	pfn, ok := api.UnpackTranslation(resp)
	if !ok {
		fmt.Fprintf(t.stdout, "%s -> response too short (%d bytes)\n", va, len(resp))
	} else {
		fmt.Fprintf(t.stdout, "%s -> frame %s (physical %#x)\n", va, pfn, pfn.Address()|va.Offset())
	}
	if raw {
		fmt.Fprint(t.stdout, hex.Dump(resp))
	}
	return nil
}

func walk(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: walk <pid> <vaddr>")
	}
	pid, err := parsePid(v[0])
	if err != nil {
		return err
	}
	addr, err := parseAddr(v[1])
	if err != nil {
		return err
	}
	w, err := t.client.Walk(pid, addr)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(t.stdout, 0, 8, 1, ' ', 0)
	fmt.Fprintln(tw, "level\tindex\tentry\tstate\tframe")
	for _, l := range w.Levels {
		frame := "-"
		if l.State == pagetable.Table.String() || l.State == pagetable.Leaf.String() {
			frame = pagetable.PFN(l.PFN).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%#016x\t%s\t%s\n", l.Level, l.Index, l.Entry, l.State, frame)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if w.Err != "" {
		fmt.Fprintf(t.stdout, "translation failed: %s\n", w.Err)
		return nil
	}
	fmt.Fprintf(t.stdout, "frame %s\n", pagetable.PFN(w.PFN))
	return nil
}

func writePid(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments: write <pid>")
	}
	return t.client.WritePid([]byte(args))
}

func readChain(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	offset, length := 0, api.ChainBufferLen
	if len(v) > 2 {
		return errors.New("too many arguments: read [offset] [length]")
	}
	if len(v) > 0 {
		if offset, err = strconv.Atoi(v[0]); err != nil {
			return fmt.Errorf("invalid offset %q", v[0])
		}
	}
	if len(v) > 1 {
		if length, err = strconv.Atoi(v[1]); err != nil {
			return fmt.Errorf("invalid length %q", v[1])
		}
	}
	data, err := t.client.ReadChain(offset, length)
	if err != nil {
		return err
	}
	_, err = t.stdout.Write(data)
	return err
}

func ptree(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.New("wrong number of arguments: ptree <pid>")
	}
	if _, err := parsePid(v[0]); err != nil {
		return err
	}
	if err := t.client.WritePid([]byte(v[0])); err != nil {
		return err
	}
	return readChain(t, "")
}

func ancestors(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 1 {
		return errors.New("wrong number of arguments: ancestors <pid>")
	}
	pid, err := parsePid(v[0])
	if err != nil {
		return err
	}
	chain, err := t.client.Ancestors(pid)
	if err != nil {
		return err
	}
	for i, e := range chain {
		prefix := ""
		if i > 0 {
			prefix = strings.Repeat("  ", i-1) + "└─ "
		}
		fmt.Fprintf(t.stdout, "%s%s (%d)\n", prefix, e.Comm, e.Pid)
	}
	return nil
}

func printVersion(t *Term, args string) error {
	v, err := t.client.GetVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s\nAPI version: %d\n", v.DbfsVersion, v.APIVersion)
	return nil
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
