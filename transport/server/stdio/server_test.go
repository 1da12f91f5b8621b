package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/protocol"
)

type peer struct {
	server *Server
	proto  *protocol.Protocol
	input  *io.PipeWriter
	output *bufio.Scanner
	closed chan struct{}
}

// newPeer wires a protocol engine to a transport backed by in-process pipes
// and returns handles playing the client's part.
func newPeer(t *testing.T, options ...protocol.Option) *peer {
	t.Helper()
	inputReader, inputWriter := io.Pipe()
	outputReader, outputWriter := io.Pipe()

	server := New(WithReader(inputReader), WithWriter(outputWriter))
	closed := make(chan struct{})
	options = append(options, protocol.WithOnClose(func() { close(closed) }))
	proto := protocol.New(options...)
	require.NoError(t, proto.Connect(context.Background(), server))
	t.Cleanup(func() { _ = proto.Close() })

	return &peer{
		server: server,
		proto:  proto,
		input:  inputWriter,
		output: bufio.NewScanner(outputReader),
		closed: closed,
	}
}

func (p *peer) write(t *testing.T, line string) {
	t.Helper()
	_, err := p.input.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (p *peer) read(t *testing.T) string {
	t.Helper()
	require.True(t, p.output.Scan(), "expected a line on the output stream")
	return p.output.Text()
}

func TestServer_ServesRequests(t *testing.T) {
	p := newPeer(t, protocol.WithRequestHandler("echo", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
		var params map[string]interface{}
		if len(request.Params) > 0 {
			if err := json.Unmarshal(request.Params, &params); err != nil {
				return nil, err
			}
		}
		return params, nil
	}))

	p.write(t, `{"jsonrpc":"2.0","id":1,"method":"echo","params":{"value":42}}`)
	line := p.read(t)
	assert.Contains(t, line, `"value":42`)
	assert.Contains(t, line, `"id":1`)
}

func TestServer_NotificationProducesNoOutput(t *testing.T) {
	received := make(chan string, 1)
	p := newPeer(t,
		protocol.WithNotificationHandler("notifications/message", func(ctx context.Context, notification *mcprpc.Notification) error {
			received <- notification.Method
			return nil
		}),
		protocol.WithRequestHandler("echo", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}),
	)

	p.write(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{"text":"hi"}}`)
	select {
	case method := <-received:
		assert.Equal(t, "notifications/message", method)
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler was not invoked")
	}

	// the next line on the stream must be the echo response, proving the
	// notification wrote nothing
	p.write(t, `{"jsonrpc":"2.0","id":2,"method":"echo"}`)
	line := p.read(t)
	assert.Contains(t, line, `"id":2`)
}

func TestServer_ParseErrorReply(t *testing.T) {
	p := newPeer(t)

	p.write(t, `{"jsonrpc":"2.0",`)
	line := p.read(t)

	var failure struct {
		Error *mcprpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(line), &failure))
	require.NotNil(t, failure.Error)
	assert.Equal(t, mcprpc.ParseError, failure.Error.Code)
}

func TestServer_SkipsBlankLines(t *testing.T) {
	p := newPeer(t, protocol.WithRequestHandler("echo", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
		return map[string]bool{"ok": true}, nil
	}))

	p.write(t, "")
	p.write(t, "   ")
	p.write(t, `{"jsonrpc":"2.0","id":3,"method":"echo"}`)
	line := p.read(t)
	assert.Contains(t, line, `"id":3`)
}

func TestServer_ServerInitiatedNotification(t *testing.T) {
	p := newPeer(t)

	notification, err := mcprpc.NewNotification("notifications/message", map[string]string{"text": "heads up"})
	require.NoError(t, err)
	require.NoError(t, p.proto.Notify(context.Background(), notification))

	line := p.read(t)
	assert.Contains(t, line, "heads up")
}

func TestServer_EOFTearsDownProtocol(t *testing.T) {
	p := newPeer(t)

	require.NoError(t, p.input.Close())
	select {
	case <-p.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("protocol was not torn down after EOF")
	}
	assert.False(t, p.proto.Connected())
}

func TestServer_SendBeforeStartFails(t *testing.T) {
	server := New()
	message := mcprpc.NewResponseMessage(mcprpc.NewResponse(1, []byte(`{}`)))
	err := server.Send(context.Background(), message, nil)
	require.Error(t, err)
}

func TestServe_BlocksUntilEOF(t *testing.T) {
	inputReader, inputWriter := io.Pipe()
	outputReader, outputWriter := io.Pipe()
	output := bufio.NewScanner(outputReader)

	newProtocol := func(ctx context.Context) *protocol.Protocol {
		return protocol.New(protocol.WithRequestHandler("echo", func(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
			return map[string]bool{"ok": true}, nil
		}))
	}

	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), newProtocol, WithReader(inputReader), WithWriter(outputWriter))
	}()

	_, err := inputWriter.Write([]byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}` + "\n"))
	require.NoError(t, err)
	require.True(t, output.Scan())
	assert.Contains(t, output.Text(), `"id":1`)

	require.NoError(t, inputWriter.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after EOF")
	}
}

func TestServe_ContextCancel(t *testing.T) {
	inputReader, _ := io.Pipe()
	_, outputWriter := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, func(ctx context.Context) *protocol.Protocol { return protocol.New() },
			WithReader(inputReader), WithWriter(outputWriter))
	}()

	cancel()
	select {
	case err := <-served:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
