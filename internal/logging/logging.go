// Package logging wires up structured logging for the executor. There is
// no package-level logger: New returns a value every component receives
// explicitly through its constructor, per the "no globals" design note.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger writing to w (os.Stdout in production,
// a buffer in tests) tagged with the node's component name.
func New(w io.Writer, component string, nodeID string) zerolog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return zerolog.New(w).
		With().
		Timestamp().
		Str("component", component).
		Str("node", nodeID).
		Logger()
}

// NewConsole is New but pretty-prints for local development, matching
// the console output shape the corpus's zerolog users default to.
func NewConsole(component, nodeID string) zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(cw).With().Timestamp().Str("component", component).Str("node", nodeID).Logger()
}
