package terminal

import (
	"io"

	"github.com/mattn/go-colorable"
)

// getColorableWriter returns a writer that translates ANSI escape
// sequences into console calls.
func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}
