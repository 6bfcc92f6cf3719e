// Package telemetry is the structured-logging seam used by every core
// component. Components never construct a logger themselves or reach for a
// package-level global; a Logger is handed to them at construction, which is
// what lets tests substitute a no-op or recording implementation.
package telemetry

import (
	"io"

	"github.com/rs/zerolog"
)

// Logger is the polymorphic seam named by the design notes: a production
// implementation backed by zerolog, and a no-op stub for tests.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
	With(component string) Logger
}

type zlog struct {
	l zerolog.Logger
}

// New builds a zerolog-backed Logger. In production it emits flattened
// single-line JSON; otherwise a human-readable console format. level is
// validated by the caller (internal/config); an unrecognized value here
// falls back to info rather than failing construction.
func New(production bool, level string, out io.Writer) Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var w io.Writer = out
	if !production {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	base := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &zlog{l: base}
}

func (z *zlog) Debug(msg string, kv ...any) { z.emit(z.l.Debug(), msg, kv) }
func (z *zlog) Info(msg string, kv ...any)  { z.emit(z.l.Info(), msg, kv) }
func (z *zlog) Warn(msg string, kv ...any)  { z.emit(z.l.Warn(), msg, kv) }

func (z *zlog) Error(msg string, err error, kv ...any) {
	e := z.l.Error()
	if err != nil {
		e = e.Err(err)
	}
	z.emit(e, msg, kv)
}

func (z *zlog) With(component string) Logger {
	return &zlog{l: z.l.With().Str("component", component).Logger()}
}

// emit attaches kv as alternating key/value pairs and writes the event.
// A malformed kv list (odd length, non-string key) degrades to dropping the
// trailing/offending entry rather than panicking — log calls must never be
// able to crash the caller.
func (z *zlog) emit(e *zerolog.Event, msg string, kv []any) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	e.Msg(msg)
}

// nop is the recording-free stub used by tests that don't assert on log
// output; it satisfies Logger without allocating or formatting anything.
type nop struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nop{} }

func (nop) Debug(string, ...any)        {}
func (nop) Info(string, ...any)         {}
func (nop) Warn(string, ...any)         {}
func (nop) Error(string, error, ...any) {}
func (nop) With(string) Logger          { return nop{} }
