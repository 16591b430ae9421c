package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Format string
	// Output defaults to stderr.
	Output *os.File
	// Warnings receives configuration complaints; defaults to stderr.
	Warnings io.Writer
}

// New builds the process logger. JSON is the default; a console writer is
// used for "console" or for "auto" on an interactive terminal.
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	warnings := opts.Warnings
	if warnings == nil {
		warnings = os.Stderr
	}

	level := ParseLevel(opts.Level, warnings)
	var w io.Writer = out
	if useConsole(opts.Format, out) {
		w = zerolog.ConsoleWriter{
			Out:        colorable.NewColorable(out),
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(out),
		}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// ParseLevel maps a level name onto zerolog. Unknown values are reported to
// warn and fall back to info.
func ParseLevel(raw string, warn io.Writer) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return zerolog.InfoLevel
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		if warn != nil {
			fmt.Fprintf(warn, "invalid log level %q; defaulting to info\n", raw)
		}
		return zerolog.InfoLevel
	}
}

func useConsole(format string, out *os.File) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return true
	case "json":
		return false
	default:
		return isTerminal(out)
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
