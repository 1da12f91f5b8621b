package stdio

import (
	"io"

	"github.com/viant/mcprpc"
)

// Option configures the stdio transport.
type Option func(*Server)

// WithReader replaces the input stream, os.Stdin by default. Readers that
// implement io.Closer are closed with the transport.
func WithReader(reader io.Reader) Option {
	return func(s *Server) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// WithWriter replaces the output stream, os.Stdout by default.
func WithWriter(writer io.Writer) Option {
	return func(s *Server) {
		if writer != nil {
			s.writer = writer
		}
	}
}

// WithLogger sets the diagnostics logger, stderr by default.
func WithLogger(logger mcprpc.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}
