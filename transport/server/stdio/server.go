// Package stdio implements the server side of the newline delimited JSON
// transport: one message per line on stdin, replies on stdout. Diagnostics
// never touch stdout; they go through the logger, which defaults to stderr.
package stdio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/protocol"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
)

const sessionID = "stdio"

// Server is the stdio transport endpoint handed to a protocol engine. It
// serves exactly one peer: the process on the other end of the pipes.
type Server struct {
	base.Endpoint
	reader io.Reader
	writer io.Writer
	logger mcprpc.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	started bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a stdio transport on os.Stdin and os.Stdout.
func New(options ...Option) *Server {
	server := &Server{
		reader: os.Stdin,
		writer: os.Stdout,
		logger: mcprpc.DefaultLogger,
		done:   make(chan struct{}),
	}
	for _, option := range options {
		option(server)
	}
	return server
}

// Start implements transport.Transport; it spawns the input reading loop.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("stdio transport already started")
	}
	s.started = true
	s.mu.Unlock()
	go s.listen(ctx)
	return nil
}

// Send implements transport.Transport; the message becomes one line on the
// output stream. Writes are serialized so lines never interleave.
func (s *Server) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return fmt.Errorf("stdio transport not started")
	}
	if s.IsClosed() {
		return fmt.Errorf("stdio transport closed")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	data = append(data, '\n')
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close implements transport.Transport. It closes the input stream to
// unblock the reading loop; the close callback fires exactly once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.MarkClosed()
		close(s.done)
		if closer, ok := s.reader.(io.Closer); ok {
			_ = closer.Close()
		}
		s.NotifyClosed()
	})
	return nil
}

// Done is closed once the transport terminated, whether by EOF on the input
// or by Close.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) listen(ctx context.Context) {
	reader := bufio.NewReader(s.reader)
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			s.dispatch(ctx, []byte(trimmed))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.IsClosed() {
				s.Fail(fmt.Errorf("failed to read input: %w", err))
			}
			_ = s.Close()
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, line []byte) {
	message, err := base.Decode(line)
	if err != nil {
		s.Fail(fmt.Errorf("failed to parse inbound message: %w", err))
		failure := mcprpc.NewErrorResponse(nil, mcprpc.NewParsingError(fmt.Sprintf("failed to parse message: %v", err), nil))
		if sErr := s.Send(ctx, mcprpc.NewResponseMessage(failure), nil); sErr != nil {
			s.logger.Errorf("failed to send parse error: %v", sErr)
		}
		return
	}
	s.Deliver(ctx, message, &transport.Extra{SessionID: sessionID})
}

// Serve connects a fresh protocol engine to the standard streams and blocks
// until the peer disconnects or ctx is cancelled.
func Serve(ctx context.Context, newProtocol protocol.NewProtocol, options ...Option) error {
	server := New(options...)
	proto := newProtocol(ctx)
	if err := proto.Connect(ctx, server); err != nil {
		return err
	}
	select {
	case <-server.done:
		return nil
	case <-ctx.Done():
		_ = proto.Close()
		return ctx.Err()
	}
}
