package terminal

import (
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd())
}

// getColorableWriter returns a writer translating ANSI escape sequences
// for consoles that do not understand them.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
