// Package streamable implements the client half of the streamable HTTP
// transport. Outbound messages travel as POST bodies with a dual JSON/SSE
// Accept header; the server answers with a plain JSON body or with an SSE
// stream on the POST response itself. A standalone GET stream carries server
// initiated messages and reconnects with Last-Event-ID after a drop.
package streamable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
)

const (
	sessionHeaderKey      = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
	acceptPost             = "application/json, text/event-stream"
)

// ErrSessionExpired reports a request answered with 404 for a session the
// client believed to be alive. Callers recover by reinitializing.
var ErrSessionExpired = errors.New("session expired")

// Transport is the client endpoint of the streamable HTTP transport. One
// transport maps to one logical session; its id is captured from the first
// response that carries the session header and echoed on every request.
type Transport struct {
	base.Endpoint
	Options
	endpointURL string

	mu         sync.Mutex
	sessionID  string
	version    string
	started    bool
	standalone bool

	streamCtx    context.Context
	streamCancel context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
}

// New creates a transport for the given endpoint URL. The transport is inert
// until the protocol engine starts it through Connect.
func New(endpointURL string, options ...Option) *Transport {
	t := &Transport{endpointURL: endpointURL, done: make(chan struct{})}
	t.Options.init()
	for _, option := range options {
		option(&t.Options)
	}
	t.sessionID = t.Options.SessionID
	t.version = t.Options.ProtocolVersion
	t.streamCtx, t.streamCancel = context.WithCancel(context.Background())
	return t
}

// SessionID returns the session id negotiated with the server, when any.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// SetProtocolVersion sets the revision sent as Mcp-Protocol-Version once the
// initialize handshake settled on one.
func (t *Transport) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.version = version
}

// Start makes the transport ready to send. With a preconfigured session id
// the standalone stream opens immediately; otherwise it opens once the
// server accepts the initialized notification.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return fmt.Errorf("streamable transport already started")
	}
	if t.IsClosed() {
		return fmt.Errorf("streamable transport closed")
	}
	t.started = true
	if t.sessionID != "" {
		t.openStandaloneLocked()
	}
	return nil
}

// Send posts the message to the endpoint. A resumption token in options
// redirects the call into a replaying GET instead of retransmitting.
func (t *Transport) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("streamable transport not started")
	}
	if t.IsClosed() {
		return fmt.Errorf("streamable transport closed")
	}
	if options != nil && options.ResumptionToken != "" {
		go t.stream(t.streamCtx, options.ResumptionToken, options.OnResumptionToken, false)
		return nil
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return t.post(ctx, message, data, options)
}

func (t *Transport) post(ctx context.Context, message *mcprpc.Message, body []byte, options *transport.SendOptions) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	request.Header.Set("Accept", acceptPost)
	t.decorate(request)

	response, err := t.Client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	t.captureSession(response)

	var onToken func(string)
	if options != nil {
		onToken = options.OnResumptionToken
	}
	switch {
	case response.StatusCode == http.StatusAccepted:
		_ = response.Body.Close()
		if message.Type == mcprpc.MessageTypeNotification && message.Method() == mcprpc.NotificationInitialized {
			t.openStandalone()
		}
		return nil
	case response.StatusCode == http.StatusUnauthorized:
		data, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		return mcprpc.NewUnauthorizedError(response.StatusCode, response.Header.Get("WWW-Authenticate"), data)
	case response.StatusCode == http.StatusNotFound && t.SessionID() != "":
		_ = response.Body.Close()
		return fmt.Errorf("%s: %w", t.endpointURL, ErrSessionExpired)
	case response.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		return fmt.Errorf("invalid status code: %d: %s", response.StatusCode, strings.TrimSpace(string(data)))
	}

	if strings.Contains(response.Header.Get("Content-Type"), contentTypeEventStream) {
		// The caller context classifies the read teardown; delivery uses the
		// transport lifetime context so handlers outlive the originating call.
		go func() {
			defer response.Body.Close()
			if cErr := t.consume(ctx, response.Body, &cursor{}, onToken); cErr != nil {
				t.Fail(cErr)
			}
		}()
		return nil
	}

	data, err := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	messages, err := base.DecodeBatch(data)
	if err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	for _, item := range messages {
		t.Deliver(ctx, item, t.extra())
	}
	return nil
}

// decorate applies the static headers plus the session and protocol version
// headers to an outgoing request.
func (t *Transport) decorate(request *http.Request) {
	for key, values := range t.Header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	t.mu.Lock()
	sessionID, version := t.sessionID, t.version
	t.mu.Unlock()
	if sessionID != "" {
		request.Header.Set(t.SessionHeader, sessionID)
	}
	if version != "" {
		request.Header.Set(protocolVersionHeader, version)
	}
}

// captureSession adopts the session id and protocol version the server
// announces on its response headers.
func (t *Transport) captureSession(response *http.Response) {
	sessionID := response.Header.Get(t.SessionHeader)
	version := response.Header.Get(protocolVersionHeader)
	if sessionID == "" && version == "" {
		return
	}
	t.mu.Lock()
	if sessionID != "" {
		t.sessionID = sessionID
	}
	if version != "" {
		t.version = version
	}
	t.mu.Unlock()
}

func (t *Transport) extra() *transport.Extra {
	return &transport.Extra{SessionID: t.SessionID()}
}

// openStandalone starts the server push stream once per transport; the loop
// keeps reconnecting with the latest event id until the transport closes.
func (t *Transport) openStandalone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openStandaloneLocked()
}

func (t *Transport) openStandaloneLocked() {
	if t.standalone || t.IsClosed() {
		return
	}
	t.standalone = true
	go t.stream(t.streamCtx, "", nil, true)
}

// Close cancels all streams, terminates the server side session with a best
// effort DELETE and fires the close callback exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.MarkClosed()
		close(t.done)
		t.streamCancel()
		t.terminateSession()
		t.NotifyClosed()
	})
	return nil
}

// terminateSession tells the server to drop the session. Servers without
// explicit termination answer 405, which is not an error.
func (t *Transport) terminateSession() {
	sessionID := t.SessionID()
	if sessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.endpointURL, nil)
	if err != nil {
		return
	}
	t.decorate(request)
	response, err := t.Client.Do(request)
	if err != nil {
		t.Logger.Errorf("failed to terminate session %v: %v", sessionID, err)
		return
	}
	_, _ = io.Copy(io.Discard, response.Body)
	_ = response.Body.Close()
}
