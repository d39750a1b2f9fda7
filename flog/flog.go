// Package flog provides the structured logging wrapper threaded through
// every long-lived component of the dataflow core (block.Pool,
// mux.Repository, flowcontrol.Channel, the dia layer). It is a thin,
// explicitly-passed wrapper around github.com/rs/zerolog rather than a
// package-level global logger, with small constructors that bind the
// fields a component cares about (worker rank, stream id, operator name)
// once, so call sites don't repeat them.
package flog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger. The zero value is not usable; construct
// via New or Nop.
type Logger struct {
	z zerolog.Logger
}

// Config controls New. A nil Config yields: Level = InfoLevel, Writer =
// os.Stderr, Pretty = false (JSON lines).
type Config struct {
	// Level is the minimum level that will be emitted. Defaults to
	// zerolog.InfoLevel. zerolog.DebugLevel is the zero Level, so setting
	// it also selects zerolog.InfoLevel.
	Level zerolog.Level
	// Writer receives encoded log lines. Defaults to os.Stderr.
	Writer io.Writer
	// Pretty switches to zerolog's human-readable console writer. Defaults
	// to false (compact JSON, suited to aggregation).
	Pretty bool
}

// New constructs a root Logger. cfg may be nil.
func New(cfg *Config) Logger {
	level := zerolog.InfoLevel
	var w io.Writer = os.Stderr
	pretty := false
	if cfg != nil {
		if cfg.Level != 0 {
			level = cfg.Level
		}
		if cfg.Writer != nil {
			w = cfg.Writer
		}
		pretty = cfg.Pretty
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w}
	}
	return Logger{z: zerolog.New(w).Level(level).With().Timestamp().Logger()}
}

// Nop returns a Logger that discards everything, for tests and components
// that were not given an explicit Logger.
func Nop() Logger {
	return Logger{z: zerolog.Nop()}
}

// WithWorker returns a child Logger with the worker's global rank bound.
func (l Logger) WithWorker(globalRank int) Logger {
	return Logger{z: l.z.With().Int("worker", globalRank).Logger()}
}

// WithStream returns a child Logger with a stream identifier bound.
func (l Logger) WithStream(streamID uint64) Logger {
	return Logger{z: l.z.With().Uint64("stream_id", streamID).Logger()}
}

// WithOperator returns a child Logger with an operator name bound, for the
// DIANode lifecycle and Action execution logging.
func (l Logger) WithOperator(name string) Logger {
	return Logger{z: l.z.With().Str("operator", name).Logger()}
}

// WithStage returns a child Logger with a stage sequence number bound.
func (l Logger) WithStage(seq int) Logger {
	return Logger{z: l.z.With().Int("stage", seq).Logger()}
}

func (l Logger) Debug() *zerolog.Event { return l.z.Debug() }
func (l Logger) Info() *zerolog.Event { return l.z.Info() }
func (l Logger) Warn() *zerolog.Event { return l.z.Warn() }
func (l Logger) Error() *zerolog.Event { return l.z.Error() }
