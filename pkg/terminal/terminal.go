package terminal

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-delve/liner"

	"github.com/dbfs-tools/dbfs/pkg/config"
	"github.com/dbfs-tools/dbfs/service"
)

const (
	historyFile                 string = ".dbfs_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const (
	ansiBlack   = 30
	ansiBlue    = 34
	ansiWhite   = 37
	ansiBrBlack = 90
	ansiBrWhite = 97
)

// Term represents the terminal running dbfs.
type Term struct {
	client service.Client
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// StopServerOnExit makes the terminal stop the server when it exits
	// instead of only disconnecting from it.
	StopServerOnExit bool
}

// New returns a new Term.
func New(client service.Client, conf *config.Config) *Term {
	cmds := DefaultCommands(client)
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isTerminal(os.Stdout)
	var w io.Writer = os.Stdout
	if !dumb {
		w = getColorableWriter()
	}

	if (conf.PromptColor > ansiWhite && conf.PromptColor < ansiBrBlack) ||
		conf.PromptColor < ansiBlack ||
		conf.PromptColor > ansiBrWhite {
		conf.PromptColor = ansiBlue
	}

	return &Term{
		client: client,
		conf:   conf,
		prompt: "(dbfs) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

// Run begins running dbfs in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	t.line.SetCtrlCAborts(true)
	t.line.SetCompleter(t.cmds.Complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF || err == liner.ErrPromptAborted {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

func (t *Term) promptForInput() (string, error) {
	prompt := t.prompt
	if !t.dumb {
		prompt = fmt.Sprintf(terminalHighlightEscapeCode, t.conf.PromptColor) + prompt + terminalResetEscapeCode
	}
	l, err := t.line.Prompt(prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0600); err == nil {
		if _, err := t.line.WriteHistory(f); err != nil {
			fmt.Println("readline history error:", err)
		}
		f.Close()
	}

	if t.StopServerOnExit {
		if err := t.client.Detach(); err != nil {
			return 1, err
		}
		return 0, nil
	}
	if err := t.client.Disconnect(); err != nil {
		return 1, err
	}
	return 0, nil
}

// ExitRequestError is returned when the user
// exits dbfs.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}
