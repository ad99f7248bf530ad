package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// base is the process-wide root logger every component and node logger
// derives from. It defaults to console output at info level so tests
// and early startup paths can log before Init runs.
var base = newLogger(os.Stdout, false)

// Config selects the root logger's level and output format.
type Config struct {
	// Level is any level name zerolog understands ("debug", "info",
	// "warn", "error"). Unrecognized names fall back to info.
	Level string
	// JSONOutput emits one JSON object per line; the default is a
	// human-readable console format.
	JSONOutput bool
	// Output defaults to stdout.
	Output io.Writer
}

// Init replaces the root logger. Call once at startup, before any
// component constructs its child logger.
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	base = newLogger(out, cfg.JSONOutput)
}

func newLogger(out io.Writer, json bool) zerolog.Logger {
	if !json {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a subsystem name
// ("controller", "hostdriver", "api").
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a managed node's name.
// The supervisor hands one to each maintenance goroutine so a single
// node's heartbeats, failures, and restarts can be filtered out of the
// fleet-wide stream.
func WithNode(name string) zerolog.Logger {
	return base.With().Str("node", name).Logger()
}
