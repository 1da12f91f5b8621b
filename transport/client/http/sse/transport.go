// Package sse implements the client half of the deprecated HTTP+SSE
// transport of the 2024-11-05 protocol revision. The server stream is a GET
// subscription whose first event names the endpoint for outbound POSTs;
// every server message arrives as a message event on the stream.
package sse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	ssev2 "github.com/r3labs/sse/v2"
	"github.com/viant/afs/url"
	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
	"gopkg.in/cenkalti/backoff.v1"
)

const contentTypeJSON = "application/json"

// Transport is the client endpoint of the deprecated HTTP+SSE transport.
// One subscription maps to one server side session; the session dies with
// the stream. A reconnect lands on a fresh session, so requests in flight
// across the drop never complete.
type Transport struct {
	base.Endpoint
	Options
	streamURL string
	host      string

	stream *ssev2.Client
	events chan *ssev2.Event
	ready  chan struct{}

	mu        sync.Mutex
	endpoint  string
	sessionID string
	started   bool

	streamCtx    context.Context
	streamCancel context.CancelFunc
	done         chan struct{}
	closeOnce    sync.Once
}

// New creates a transport subscribing to the given stream URL.
func New(streamURL string, options ...Option) *Transport {
	scheme := url.Scheme(streamURL, "http")
	host := url.Host(streamURL)
	t := &Transport{
		streamURL: streamURL,
		host:      fmt.Sprintf("%s://%s", scheme, host),
		events:    make(chan *ssev2.Event, 64),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	t.Options.init()
	for _, option := range options {
		option(&t.Options)
	}
	t.streamCtx, t.streamCancel = context.WithCancel(context.Background())
	return t
}

// SessionID returns the session id parsed from the endpoint query, when any.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// Start subscribes to the event stream and blocks until the server names
// the message endpoint or the handshake times out.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("sse transport already started")
	}
	if t.IsClosed() {
		t.mu.Unlock()
		return fmt.Errorf("sse transport closed")
	}
	t.started = true
	t.mu.Unlock()

	t.stream = t.newStream()
	// Subscribe keeps retrying the initial connect under its backoff policy,
	// so it runs detached; the handshake wait below bounds it.
	go func() {
		if err := t.stream.SubscribeChanWithContext(t.streamCtx, "", t.events); err != nil && !t.IsClosed() {
			t.Fail(fmt.Errorf("failed to subscribe to %v: %w", t.streamURL, err))
		}
	}()
	go t.pump()

	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
		_ = t.Close()
		return ctx.Err()
	case <-time.After(t.HandshakeTimeout):
		_ = t.Close()
		return fmt.Errorf("timed out waiting for endpoint event from %v", t.streamURL)
	}
}

// newStream builds the r3labs subscription. The library replays
// Last-Event-ID on reconnects by itself; the backoff policy retries until
// the transport closes.
func (t *Transport) newStream() *ssev2.Client {
	stream := ssev2.NewClient(t.streamURL, ssev2.ClientMaxBufferSize(t.BufferSize))
	stream.Connection = t.Client
	stream.Headers = map[string]string{
		"Accept":        "text/event-stream",
		"Cache-Control": "no-cache",
	}
	for key := range t.Header {
		stream.Headers[key] = t.Header.Get(key)
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.ReconnectInterval
	policy.MaxInterval = t.ReconnectMax
	policy.MaxElapsedTime = 0
	stream.ReconnectStrategy = backoff.WithContext(policy, t.streamCtx)
	stream.ReconnectNotify = func(err error, delay time.Duration) {
		t.Logger.Errorf("stream reconnect in %v: %v", delay, err)
	}
	return stream
}

func (t *Transport) pump() {
	for {
		select {
		case <-t.streamCtx.Done():
			return
		case <-t.done:
			return
		case event, ok := <-t.events:
			if !ok {
				_ = t.Close()
				return
			}
			t.handle(event)
		}
	}
}

func (t *Transport) handle(event *ssev2.Event) {
	switch string(event.Event) {
	case "endpoint":
		t.setEndpoint(string(event.Data))
	case "", "message":
		if len(bytes.TrimSpace(event.Data)) == 0 {
			return
		}
		message, err := base.Decode(event.Data)
		if err != nil {
			t.Fail(fmt.Errorf("failed to decode event: %w", err))
			return
		}
		t.Deliver(t.streamCtx, message, &transport.Extra{SessionID: t.SessionID()})
	}
}

// setEndpoint resolves the POST endpoint announced by the server. A second
// endpoint event means the stream reconnected onto a fresh session; it
// replaces the endpoint and surfaces the reset through the error callback.
func (t *Transport) setEndpoint(raw string) {
	if raw == "" {
		t.Fail(fmt.Errorf("endpoint event is empty"))
		return
	}
	endpoint := raw
	if !strings.Contains(raw, "://") {
		endpoint = url.Join(t.host, raw)
	}
	sessionID := ""
	if parsed, err := neturl.Parse(endpoint); err == nil {
		sessionID = parsed.Query().Get(t.SessionParam)
	}
	t.mu.Lock()
	previous := t.endpoint
	t.endpoint = endpoint
	t.sessionID = sessionID
	t.mu.Unlock()
	if previous == "" {
		close(t.ready)
		return
	}
	if previous != endpoint {
		t.Fail(fmt.Errorf("session reset: messages now route to %v", endpoint))
	}
}

// Send posts the message to the announced endpoint. Responses come back
// over the stream, never on the POST body.
func (t *Transport) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	t.mu.Lock()
	started, endpoint := t.started, t.endpoint
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("sse transport not started")
	}
	if t.IsClosed() {
		return fmt.Errorf("sse transport closed")
	}
	if endpoint == "" {
		return fmt.Errorf("sse transport has no endpoint")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Content-Type", contentTypeJSON)
	for key, values := range t.Header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	response, err := t.Client.Do(request)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	body, _ := io.ReadAll(response.Body)
	_ = response.Body.Close()
	switch response.StatusCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusUnauthorized:
		return mcprpc.NewUnauthorizedError(response.StatusCode, response.Header.Get("WWW-Authenticate"), body)
	default:
		return fmt.Errorf("invalid status code: %d: %s", response.StatusCode, strings.TrimSpace(string(body)))
	}
}

// Close cancels the subscription and fires the close callback exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.MarkClosed()
		close(t.done)
		t.streamCancel()
		t.NotifyClosed()
	})
	return nil
}
