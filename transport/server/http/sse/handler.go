// Package sse implements the server side of the deprecated HTTP+SSE
// transport of the 2024-11-05 protocol revision. GET opens the event stream
// and announces the message endpoint; POSTs to that endpoint are acknowledged
// with 202 and every server message, responses included, travels over the
// stream. The session lives exactly as long as its stream connection.
package sse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/viant/mcprpc/protocol"
	"github.com/viant/mcprpc/transport"
	codec "github.com/viant/mcprpc/transport/base"
	"github.com/viant/mcprpc/transport/server/base"
	"github.com/viant/mcprpc/transport/server/http/common"
	"github.com/viant/mcprpc/transport/server/http/session"
)

// Handler serves the legacy endpoint pair. One protocol engine is built per
// stream through the protocol factory supplied to New.
type Handler struct {
	Options
	newProtocol protocol.NewProtocol
	registry    *base.Registry
	locator     *session.Locator
}

// New creates the legacy handler.
func New(newProtocol protocol.NewProtocol, options ...Option) *Handler {
	handler := &Handler{
		newProtocol: newProtocol,
		registry:    base.NewRegistry(),
		locator:     &session.Locator{},
	}
	for _, option := range options {
		option(&handler.Options)
	}
	handler.Options.init()
	return handler
}

// ServeHTTP implements http.Handler. GET on the stream URI opens a session;
// POST on the message URI feeds it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, h.URI):
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleStream(w, r)
	case strings.HasSuffix(r.URL.Path, h.MessageURI):
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.handleMessage(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Close terminates every live session.
func (h *Handler) Close() error {
	h.registry.Range(func(id string, sess *base.Session) bool {
		h.dropSession(context.Background(), sess)
		return true
	})
	return nil
}

// handleStream opens the session, announces the message endpoint and relays
// outbound messages until the client disconnects.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sess := base.NewSession(uuid.New().String(), h.Events, h.Logger)
	proto := h.newProtocol(context.Background())
	if err := proto.Connect(context.Background(), sess); err != nil {
		h.Logger.Errorf("failed to connect session %v: %v", sess.ID, err)
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	signal, err := sess.AttachStream(base.StandaloneStream)
	if err != nil {
		_ = sess.Close()
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	h.registry.Add(sess)
	defer h.dropSession(context.Background(), sess)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writer := common.NewFlushWriter(w)

	endpoint, err := h.messageEndpoint(sess.ID)
	if err != nil {
		h.Logger.Errorf("failed to build message endpoint for session %v: %v", sess.ID, err)
		return
	}
	if _, err := fmt.Fprintf(writer, "event: endpoint\ndata: %s\n\n", endpoint); err != nil {
		return
	}

	var keepAlive <-chan time.Time
	if h.KeepAliveInterval > 0 {
		ticker := time.NewTicker(h.KeepAliveInterval)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	ctx := r.Context()
	cursor := uint64(0)
	for {
		err := h.Events.Replay(ctx, sess.ID, base.StandaloneStream, cursor, func(index uint64, data []byte) error {
			cursor = index
			_, wErr := fmt.Fprintf(writer, "event: message\ndata: %s\n\n", data)
			return wErr
		})
		if err != nil {
			return
		}
		select {
		case <-signal:
		case <-keepAlive:
			if _, err := io.WriteString(writer, ": keepalive\n\n"); err != nil {
				return
			}
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage feeds one inbound message to the session addressed by the
// query parameter. The response, when any, arrives over the stream.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	id, err := h.locator.Locate(h.SessionLocation, r)
	if err != nil || id == "" {
		http.Error(w, "Bad Request: session id is required", http.StatusBadRequest)
		return
	}
	sess, ok := h.registry.Lookup(id)
	if !ok || sess.IsClosed() {
		http.Error(w, fmt.Sprintf("session %q not found", id), http.StatusNotFound)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	message, err := codec.Decode(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to parse request: %v", err), http.StatusBadRequest)
		return
	}
	sess.Touch()
	extra := &transport.Extra{
		SessionID: sess.ID,
		AuthInfo:  transport.AuthInfoFrom(r.Context()),
		Header:    r.Header,
	}
	// Delivery outlives the POST; the handler's output goes over the stream.
	sess.Deliver(context.Background(), message, extra)
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) messageEndpoint(sessionID string) (string, error) {
	query := url.Values{}
	if err := h.locator.Set(h.SessionLocation, query, sessionID); err != nil {
		return "", err
	}
	return h.MessageURI + "?" + query.Encode(), nil
}

func (h *Handler) dropSession(ctx context.Context, sess *base.Session) {
	h.registry.Remove(sess.ID)
	_ = sess.Close()
	sess.Purge(ctx)
	if h.OnSessionClose != nil {
		h.OnSessionClose(sess.ID)
	}
}
