package mcprpc

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Logger receives error diagnostics from the protocol engine and the
// transports.
type Logger interface {
	// Errorf logs an error message with formatting
	Errorf(format string, args ...interface{})
}

// StdLogger writes one line per message to an io.Writer. Writes are
// serialized; transports log from multiple goroutines.
type StdLogger struct {
	mu     sync.Mutex
	writer io.Writer
}

// Errorf implements Logger.
func (l *StdLogger) Errorf(format string, args ...interface{}) {
	if l.writer == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.writer, format+"\n", args...)
}

// NewStdLogger creates a logger writing to writer, or os.Stderr when writer
// is nil.
func NewStdLogger(writer io.Writer) *StdLogger {
	if writer == nil {
		writer = os.Stderr
	}
	return &StdLogger{writer: writer}
}

// DefaultLogger writes to os.Stderr. It is the fallback wherever a Logger
// option is left unset.
var DefaultLogger Logger = NewStdLogger(os.Stderr)
