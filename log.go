package media

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// componentLogger returns the package logger tagged with a component name.
func componentLogger(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// logThrottle suppresses repetitive per-frame log lines, letting one
// through every interval occurrences. Frame-scoped errors in a live
// pipeline repeat at frame rate; logging each one floods the console on a
// device with a slow UART.
type logThrottle struct {
	interval uint64
	count    atomic.Uint64
}

func newLogThrottle(interval uint64) *logThrottle {
	if interval == 0 {
		interval = 1
	}
	return &logThrottle{interval: interval}
}

// ok reports whether this occurrence should be logged, and the total
// number of occurrences so far.
func (t *logThrottle) ok() (bool, uint64) {
	n := t.count.Add(1)
	return n%t.interval == 1 || t.interval == 1, n
}
