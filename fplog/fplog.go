// Package fplog provides a small zerolog-based structured logger. Rather
// than the global singleton zerolog.Logger, a *Logger is passed
// explicitly to the parts of flepigo that log (model.LoadOptions,
// seir.Options, calibrate.Driver), the same "Context, not global" principle the rest
// of the module follows for config and RNG.
package fplog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger so callers don't need to import zerolog
// directly just to pass one around.
type Logger struct {
	z zerolog.Logger
}

// New builds a console logger writing to w (os.Stderr in production) at
// the given verbosity. If w is nil, os.Stderr is used.
func New(w io.Writer, verbose bool) *Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	z := zerolog.New(cw).Level(level).With().Timestamp().Logger()
	return &Logger{z: z}
}

// Nop returns a Logger that discards everything, suitable as a zero value
// for callers that don't care about log output (e.g. library usage, tests).
func Nop() *Logger {
	return &Logger{z: zerolog.Nop()}
}

func (l *Logger) with(simID int) zerolog.Context {
	if l == nil {
		return zerolog.Nop().With()
	}
	c := l.z.With()
	if simID >= 0 {
		c = c.Int("sim_id", simID)
	}
	return c
}

// Info logs an informational message.
func (l *Logger) Info(msg string) {
	l.with(-1).Logger().Info().Msg(msg)
}

// Infof logs a formatted informational message.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.with(-1).Logger().Info().Msgf(format, args...)
}

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.with(-1).Logger().Debug().Msgf(format, args...)
}

// Warnf logs a formatted warning.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.with(-1).Logger().Warn().Msgf(format, args...)
}

// Errorf logs a formatted error.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.with(-1).Logger().Error().Msgf(format, args...)
}

// ForSim returns a child logger that tags every message with the given
// simulation id, for disambiguating interleaved log lines from parallel
// ensemble workers.
func (l *Logger) ForSim(simID int) *Logger {
	return &Logger{z: l.with(simID).Logger()}
}

// Day logs a per-day integration trace line at debug level.
func (l *Logger) Day(day int, msg string) {
	l.with(-1).Logger().Debug().Int("day", day).Msg(msg)
}
