package streamable

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport/base"
	"gopkg.in/cenkalti/backoff.v1"
)

// errStreamRejected marks GET outcomes that make reconnecting pointless:
// the server is stateless, the session is gone or another consumer already
// holds the stream.
var errStreamRejected = errors.New("stream rejected")

// sseEvent is one server sent event decoded off the wire.
type sseEvent struct {
	id    string
	name  string
	data  string
	retry time.Duration
}

// cursor tracks replay position and the server supplied reconnect hint
// across connection attempts on one stream.
type cursor struct {
	lastEventID string
	retry       time.Duration
}

// readEvent decodes a single event, terminated by a blank line. Comment
// lines carry no fields and keep connections alive.
func readEvent(reader *bufio.Reader) (*sseEvent, error) {
	evt := &sseEvent{}
	fields := 0
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if fields > 0 {
				return evt, nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch name {
		case "id":
			evt.id = value
		case "event":
			evt.name = value
		case "data":
			if evt.data != "" {
				evt.data += "\n"
			}
			evt.data += value
		case "retry":
			if ms, pErr := strconv.Atoi(value); pErr == nil && ms > 0 {
				evt.retry = time.Duration(ms) * time.Millisecond
			}
		}
		fields++
	}
}

// consume drains one SSE body, delivering message events in order and
// advancing the cursor with every event id. A nil return means the server
// closed the stream; anything else is a candidate for reconnection.
func (t *Transport) consume(ctx context.Context, body io.Reader, cur *cursor, onToken func(string)) error {
	reader := bufio.NewReader(body)
	for {
		evt, err := readEvent(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil || t.IsClosed() {
				return nil
			}
			return err
		}
		if evt.retry > 0 {
			cur.retry = evt.retry
		}
		if evt.id != "" {
			cur.lastEventID = evt.id
			if onToken != nil {
				onToken(evt.id)
			}
		}
		if evt.name != "" && evt.name != "message" {
			continue
		}
		if strings.TrimSpace(evt.data) == "" {
			continue
		}
		message, dErr := base.Decode([]byte(evt.data))
		if dErr != nil {
			t.Fail(fmt.Errorf("failed to decode event %q: %w", evt.id, dErr))
			continue
		}
		t.Deliver(t.streamCtx, message, t.extra())
	}
}

// stream opens a GET event stream and keeps it alive. A blank cursor claims
// the standalone stream; a resumption token replays the identified stream
// from right after the token. Standalone streams reconnect until the
// transport closes; replay streams stop once the server drains them.
func (t *Transport) stream(ctx context.Context, lastEventID string, onToken func(string), standalone bool) {
	if standalone {
		defer func() {
			t.mu.Lock()
			t.standalone = false
			t.mu.Unlock()
		}()
	}
	cur := &cursor{lastEventID: lastEventID}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.ReconnectInterval
	policy.MaxInterval = t.ReconnectMax
	policy.MaxElapsedTime = 0
	policy.Reset()
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}
		var delay time.Duration
		err := t.connect(ctx, cur, onToken)
		switch {
		case err == nil:
			if !standalone {
				return
			}
			attempts = 0
			policy.Reset()
			if delay = cur.retry; delay == 0 {
				delay = t.ReconnectInterval
			}
		case errors.Is(err, errStreamRejected):
			return
		default:
			attempts++
			if !standalone && attempts > t.MaxReconnects {
				t.Fail(fmt.Errorf("failed to resume stream after %v attempts: %w", attempts, err))
				return
			}
			t.Logger.Errorf("stream reconnect: %v", err)
			delay = policy.NextBackOff()
		}
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(delay):
		}
	}
}

// connect performs a single GET attempt and consumes its body to completion.
func (t *Transport) connect(ctx context.Context, cur *cursor, onToken func(string)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpointURL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", errStreamRejected, err)
	}
	request.Header.Set("Accept", contentTypeEventStream)
	t.decorate(request)
	if cur.lastEventID != "" {
		request.Header.Set(lastEventIDHeader, cur.lastEventID)
	}

	response, err := t.Client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", errStreamRejected, err)
		}
		return fmt.Errorf("failed to open stream: %w", err)
	}
	switch response.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusConflict:
		// Stateless server, or the stream already has a consumer.
		_ = response.Body.Close()
		return errStreamRejected
	case http.StatusNotFound:
		_ = response.Body.Close()
		t.Fail(ErrSessionExpired)
		return errStreamRejected
	case http.StatusBadRequest:
		data, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		t.Fail(fmt.Errorf("stream rejected: %s", strings.TrimSpace(string(data))))
		return errStreamRejected
	case http.StatusUnauthorized:
		data, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		t.Fail(mcprpc.NewUnauthorizedError(response.StatusCode, response.Header.Get("WWW-Authenticate"), data))
		return errStreamRejected
	default:
		data, _ := io.ReadAll(response.Body)
		_ = response.Body.Close()
		return fmt.Errorf("stream invalid status: %d: %s", response.StatusCode, strings.TrimSpace(string(data)))
	}
	t.captureSession(response)
	defer response.Body.Close()
	return t.consume(ctx, response.Body, cur, onToken)
}
