// Package streamable implements the server side of the streamable HTTP
// transport: a single endpoint where POST carries inbound JSON-RPC messages,
// GET opens the standalone server push stream or resumes an interrupted one,
// and DELETE terminates the session.
package streamable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/protocol"
	"github.com/viant/mcprpc/transport"
	codec "github.com/viant/mcprpc/transport/base"
	"github.com/viant/mcprpc/transport/server/base"
	"github.com/viant/mcprpc/transport/server/event"
	"github.com/viant/mcprpc/transport/server/http/common"
	"github.com/viant/mcprpc/transport/server/http/session"
	store "github.com/viant/mcprpc/transport/server/session"
)

const (
	defaultURI        = "/mcp"
	defaultCookieName = "mcp_session"

	sessionHeaderKey      = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"

	// streamBlock is the granularity at which the allocated stream id
	// watermark is persisted into the session record.
	streamBlock = 64
)

// Handler serves the streamable HTTP endpoint. One protocol engine is built
// per session through the protocol factory supplied to New; the engine stays
// connected to the live session until DELETE, expiry or shutdown.
type Handler struct {
	Options
	newProtocol protocol.NewProtocol
	registry    *base.Registry
	locator     *session.Locator
	mu          sync.Mutex
	cancel      context.CancelFunc
}

// New creates the endpoint handler and starts its session sweeper.
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
	sweep, cancel := context.WithCancel(context.Background())
	handler.cancel = cancel
	go handler.runSweeper(sweep)
	return handler
}

// ServeHTTP implements http.Handler.
// POST carries one JSON-RPC message or a batch; initialize creates the
// session. GET opens the standalone stream or resumes any stream via
// Last-Event-ID. DELETE terminates the session. OPTIONS answers CORS
// preflight.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.URI != "" && !strings.HasSuffix(r.URL.Path, h.URI) {
		http.NotFound(w, r)
		return
	}
	h.setCORSHeaders(w, r)
	switch r.Method {
	case http.MethodPost:
		h.handlePOST(w, r)
	case http.MethodGet:
		h.handleGET(w, r)
	case http.MethodDelete:
		h.handleDELETE(w, r)
	case http.MethodOptions:
		h.handleOPTIONS(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Close stops the sweeper and terminates every live session. Durable session
// records are kept so another instance can resume them.
func (h *Handler) Close() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.registry.Range(func(id string, sess *base.Session) bool {
		h.registry.Remove(id)
		_ = sess.Close()
		return true
	})
	return nil
}

func (h *Handler) handlePOST(w http.ResponseWriter, r *http.Request) {
	if !accepts(r, contentTypeJSON) || !accepts(r, contentTypeEventStream) {
		http.Error(w, "Not Acceptable: Accept must cover both application/json and text/event-stream", http.StatusNotAcceptable)
		return
	}
	if len(r.Header.Values(lastEventIDHeader)) > 0 {
		http.Error(w, "Bad Request: Last-Event-ID is only valid on GET", http.StatusBadRequest)
		return
	}
	if !h.protocolVersionAllowed(r) {
		http.Error(w, unsupportedVersionMessage(), http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	isBatch := bytes.HasPrefix(bytes.TrimLeft(body, " \t\r\n"), []byte("["))
	messages, err := codec.DecodeBatch(body)
	if err != nil {
		h.writeParseError(w, err)
		return
	}

	var sess *base.Session
	created := false
	switch {
	case h.Stateless:
		if sess, err = h.newLiveSession(uuid.New().String()); err != nil {
			h.Logger.Errorf("failed to create ephemeral session: %v", err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		defer h.dropSession(context.Background(), sess, false)
	case hasInitialize(messages):
		if sess, err = h.initializeSession(r.Context(), messages); err != nil {
			h.Logger.Errorf("failed to create session: %v", err)
			http.Error(w, "failed to create session", http.StatusInternalServerError)
			return
		}
		created = true
	default:
		if sess = h.locateSession(w, r); sess == nil {
			return
		}
	}

	requests := messages.Requests()
	requestKeys := make([]string, 0, len(requests))
	for _, request := range requests {
		requestKeys = append(requestKeys, transport.Key(request.Id))
	}
	extra := &transport.Extra{
		SessionID: sess.ID,
		AuthInfo:  transport.AuthInfoFrom(r.Context()),
		Header:    r.Header,
	}

	// Notifications and responses only: acknowledge without a body.
	if len(requestKeys) == 0 {
		for _, message := range messages {
			sess.Deliver(context.Background(), message, extra)
		}
		h.sessionHeaders(w, sess)
		if created {
			h.setSessionCookie(w, r, sess.ID)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if h.JSONResponse {
		streamID, collector := sess.OpenCollector(requestKeys)
		defer sess.ReleaseCollector(streamID)
		h.persistWatermark(r.Context(), sess)
		for _, message := range messages {
			sess.Deliver(context.Background(), message, extra)
		}
		responses, wErr := collector.Wait(r.Context())
		if wErr != nil {
			if errors.Is(wErr, base.ErrSessionClosed) {
				http.Error(w, "Not Found: session terminated", http.StatusNotFound)
			}
			return
		}
		h.sessionHeaders(w, sess)
		if created {
			h.setSessionCookie(w, r, sess.ID)
		}
		var payload interface{} = responses
		if !isBatch && len(responses) == 1 {
			payload = responses[0]
		}
		data, mErr := json.Marshal(payload)
		if mErr != nil {
			http.Error(w, "failed to encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	streamID := sess.OpenStream(requestKeys)
	h.persistWatermark(r.Context(), sess)
	for _, message := range messages {
		sess.Deliver(context.Background(), message, extra)
	}
	if created {
		h.setSessionCookie(w, r, sess.ID)
	}
	h.streamEvents(w, r, sess, streamID, 0)
}

func (h *Handler) handleGET(w http.ResponseWriter, r *http.Request) {
	if h.Stateless {
		http.Error(w, "Method Not Allowed: stateless endpoint has no streams", http.StatusMethodNotAllowed)
		return
	}
	if !accepts(r, contentTypeEventStream) {
		http.Error(w, "Not Acceptable: Accept must cover text/event-stream", http.StatusNotAcceptable)
		return
	}
	if !h.protocolVersionAllowed(r) {
		http.Error(w, unsupportedVersionMessage(), http.StatusBadRequest)
		return
	}
	sess := h.locateSession(w, r)
	if sess == nil {
		return
	}
	streamID := base.StandaloneStream
	after := uint64(0)
	if lastEventID := r.Header.Get(lastEventIDHeader); lastEventID != "" {
		var err error
		if streamID, after, err = event.ParseEventID(lastEventID); err != nil {
			http.Error(w, fmt.Sprintf("Bad Request: malformed Last-Event-ID %q", lastEventID), http.StatusBadRequest)
			return
		}
	} else {
		// A fresh standalone stream starts live; stored events are only
		// replayed when the client asks to resume.
		var err error
		if after, err = event.LastIndex(r.Context(), h.Events, sess.ID, streamID); err != nil {
			http.Error(w, "failed to read event store", http.StatusInternalServerError)
			return
		}
	}
	h.streamEvents(w, r, sess, streamID, after)
}

func (h *Handler) handleDELETE(w http.ResponseWriter, r *http.Request) {
	if h.Stateless {
		http.Error(w, "Method Not Allowed: stateless endpoint has no sessions", http.StatusMethodNotAllowed)
		return
	}
	id := h.sessionID(r)
	if id == "" {
		http.Error(w, fmt.Sprintf("Bad Request: %s header is required", h.sessionHeaderName()), http.StatusBadRequest)
		return
	}
	sess, live := h.registry.Lookup(id)
	if !live {
		if _, err := h.Sessions.Get(r.Context(), id); err != nil {
			http.Error(w, "Not Found: unknown or expired session", http.StatusNotFound)
			return
		}
		if err := h.Sessions.Delete(r.Context(), id); err != nil {
			h.Logger.Errorf("failed to delete session %v: %v", id, err)
		}
	} else {
		h.dropSession(r.Context(), sess, true)
	}
	h.clearSessionCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleOPTIONS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, Mcp-Protocol-Version, Last-Event-ID")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	switch {
	case h.AllowCredentials:
		if !h.originAllowed(origin) {
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Add("Vary", "Origin")
	case len(h.AllowedOrigins) > 0:
		if !h.originAllowed(origin) {
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	default:
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, Mcp-Protocol-Version")
}

func (h *Handler) originAllowed(origin string) bool {
	for _, allowed := range h.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// initializeSession builds the live session and its durable record for an
// initialize POST.
func (h *Handler) initializeSession(ctx context.Context, messages mcprpc.Batch) (*base.Session, error) {
	sess, err := h.newLiveSession(uuid.New().String())
	if err != nil {
		return nil, err
	}
	record := &store.Record{ID: sess.ID, Initialized: true, CreatedAt: sess.CreatedAt(), LastActivity: sess.LastSeen()}
	if version := initializeVersion(messages); version != "" {
		sess.SetProtocolVersion(version)
		record.ProtocolVersion = version
	}
	h.mu.Lock()
	h.registry.Add(sess)
	h.mu.Unlock()
	if err := h.Sessions.Put(ctx, record); err != nil {
		h.dropSession(ctx, sess, false)
		return nil, err
	}
	return sess, nil
}

// locateSession resolves the session addressed by the request, rehydrating a
// live session from its durable record when another instance created it. It
// writes the error response and returns nil when resolution fails.
func (h *Handler) locateSession(w http.ResponseWriter, r *http.Request) *base.Session {
	id := h.sessionID(r)
	if id == "" {
		http.Error(w, fmt.Sprintf("Bad Request: %s header is required", h.sessionHeaderName()), http.StatusBadRequest)
		return nil
	}
	ctx := r.Context()
	if sess, ok := h.registry.Lookup(id); ok && !sess.IsClosed() {
		sess.Touch()
		if err := h.Sessions.Touch(ctx, id, sess.LastSeen()); err != nil && !errors.Is(err, store.ErrNotFound) {
			h.Logger.Errorf("failed to touch session %v: %v", id, err)
		}
		return sess
	}
	record, err := h.Sessions.Get(ctx, id)
	if err != nil {
		http.Error(w, "Not Found: unknown or expired session", http.StatusNotFound)
		return nil
	}
	h.mu.Lock()
	if sess, ok := h.registry.Lookup(id); ok && !sess.IsClosed() {
		// another request won the rehydrate race
		h.mu.Unlock()
		sess.Touch()
		return sess
	}
	sess, err := h.newLiveSession(record.ID)
	if err != nil {
		h.mu.Unlock()
		h.Logger.Errorf("failed to rehydrate session %v: %v", id, err)
		http.Error(w, "failed to restore session", http.StatusInternalServerError)
		return nil
	}
	if watermark := record.Meta["streamWatermark"]; watermark != "" {
		if parsed, pErr := strconv.ParseUint(watermark, 10, 64); pErr == nil {
			sess.ReserveStreams(parsed)
		}
	}
	if record.ProtocolVersion != "" {
		sess.SetProtocolVersion(record.ProtocolVersion)
	}
	h.registry.Add(sess)
	h.mu.Unlock()
	if err := h.Sessions.Touch(ctx, id, sess.LastSeen()); err != nil && !errors.Is(err, store.ErrNotFound) {
		h.Logger.Errorf("failed to touch session %v: %v", id, err)
	}
	return sess
}

func (h *Handler) newLiveSession(id string) (*base.Session, error) {
	sess := base.NewSession(id, h.Events, h.Logger)
	proto := h.newProtocol(context.Background())
	if err := proto.Connect(context.Background(), sess); err != nil {
		_ = sess.Close()
		return nil, err
	}
	return sess, nil
}

// dropSession terminates a session: live state, stored events and, when
// asked, the durable record.
func (h *Handler) dropSession(ctx context.Context, sess *base.Session, deleteRecord bool) {
	h.registry.Remove(sess.ID)
	_ = sess.Close()
	sess.Purge(ctx)
	if deleteRecord {
		if err := h.Sessions.Delete(ctx, sess.ID); err != nil {
			h.Logger.Errorf("failed to delete session %v: %v", sess.ID, err)
		}
	}
	if h.OnSessionClose != nil {
		h.OnSessionClose(sess.ID)
	}
}

// streamEvents serves one SSE stream: claims the consumer slot, emits the
// priming event, replays stored events after the cursor and then relays live
// ones until the stream finishes, the client disconnects or the session ends.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, sess *base.Session, streamID uint64, after uint64) {
	signal, err := sess.AttachStream(streamID)
	if err != nil {
		if errors.Is(err, base.ErrStreamClaimed) {
			http.Error(w, "Conflict: stream already has an active consumer", http.StatusConflict)
			return
		}
		http.Error(w, "Not Found: session terminated", http.StatusNotFound)
		return
	}
	defer sess.DetachStream(streamID)
	standalone := streamID == base.StandaloneStream
	if standalone {
		sess.MarkActive()
		defer sess.MarkDetached()
	}

	h.sessionHeaders(w, sess)
	w.Header().Set("Content-Type", contentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	writer := common.NewFlushWriter(w)
	if err := writePriming(writer, streamID, after, h.RetryInterval); err != nil {
		return
	}

	ctx := r.Context()
	cursor := after
	for {
		// Snapshot before replaying: a finished stream has its final
		// response appended already, so the replay below drains it fully.
		finished := sess.StreamFinished(streamID)
		err := h.Events.Replay(ctx, sess.ID, streamID, cursor, func(index uint64, data []byte) error {
			cursor = index
			return writeEvent(writer, event.FormatEventID(streamID, index), data)
		})
		if err != nil {
			return
		}
		if finished && !standalone {
			return
		}
		select {
		case <-signal:
		case <-sess.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(h.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.registry.Range(func(id string, sess *base.Session) bool {
				if sess.Expired(now, h.ReconnectGrace, h.IdleTTL, h.MaxLifetime) {
					h.dropSession(context.Background(), sess, true)
				}
				return true
			})
		}
	}
}

// persistWatermark records the allocated stream id high water mark in the
// session record once per block, so a rehydrated session skips past ids
// whose events may still be replayable.
func (h *Handler) persistWatermark(ctx context.Context, sess *base.Session) {
	if h.Stateless {
		return
	}
	mark := sess.StreamWatermark()
	if mark%streamBlock != 1 {
		return
	}
	record, err := h.Sessions.Get(ctx, sess.ID)
	if err != nil {
		return
	}
	if record.Meta == nil {
		record.Meta = map[string]string{}
	}
	record.Meta["streamWatermark"] = strconv.FormatUint(mark+streamBlock-1, 10)
	if err := h.Sessions.Put(ctx, record); err != nil {
		h.Logger.Errorf("failed to persist stream watermark for session %v: %v", sess.ID, err)
	}
}

func (h *Handler) sessionID(r *http.Request) string {
	if id, err := h.locator.Locate(h.SessionLocation, r); err == nil && id != "" {
		return id
	}
	if h.Cookie != nil {
		if cookie, err := r.Cookie(h.Cookie.Name); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return ""
}

func (h *Handler) sessionHeaderName() string {
	if h.SessionLocation != nil && h.SessionLocation.Kind == session.KindHeader {
		return h.SessionLocation.Name
	}
	return sessionHeaderKey
}

func (h *Handler) sessionHeaders(w http.ResponseWriter, sess *base.Session) {
	if h.Stateless {
		return
	}
	w.Header().Set(h.sessionHeaderName(), sess.ID)
	if version := sess.ProtocolVersion(); version != "" {
		w.Header().Set(protocolVersionHeader, version)
	}
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	if h.Cookie == nil || h.Stateless {
		return
	}
	cookie := &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    id,
		Path:     h.Cookie.Path,
		Domain:   h.cookieDomain(r),
		Secure:   h.Cookie.Secure,
		HttpOnly: h.Cookie.HTTPOnly,
		SameSite: h.Cookie.SameSite,
		MaxAge:   h.Cookie.MaxAge,
	}
	http.SetCookie(w, cookie)
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	if h.Cookie == nil {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   h.Cookie.Name,
		Value:  "",
		Path:   h.Cookie.Path,
		Domain: h.cookieDomain(r),
		MaxAge: -1,
	})
}

func (h *Handler) cookieDomain(r *http.Request) string {
	if h.Cookie.Domain != "" {
		return h.Cookie.Domain
	}
	if !h.CookieUseTopDomain {
		return ""
	}
	top, err := common.TopDomain(common.ClientHost(r))
	if err != nil {
		return ""
	}
	return top
}

func (h *Handler) protocolVersionAllowed(r *http.Request) bool {
	version := r.Header.Get(protocolVersionHeader)
	if version == "" {
		return true
	}
	for _, supported := range mcprpc.SupportedProtocolVersions {
		if version == supported {
			return true
		}
	}
	return false
}

func (h *Handler) writeParseError(w http.ResponseWriter, err error) {
	response := mcprpc.NewErrorResponse(nil, mcprpc.NewParsingError(fmt.Sprintf("failed to parse request: %v", err), nil))
	data, mErr := json.Marshal(response)
	if mErr != nil {
		http.Error(w, "parse error", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(data)
}

func unsupportedVersionMessage() string {
	return fmt.Sprintf("Bad Request: unsupported protocol version (supported: %s)",
		strings.Join(mcprpc.SupportedProtocolVersions, ", "))
}

func hasInitialize(messages mcprpc.Batch) bool {
	for _, request := range messages.Requests() {
		if request.Method == mcprpc.MethodInitialize {
			return true
		}
	}
	return false
}

func initializeVersion(messages mcprpc.Batch) string {
	for _, request := range messages.Requests() {
		if request.Method != mcprpc.MethodInitialize {
			continue
		}
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if len(request.Params) > 0 {
			_ = json.Unmarshal(request.Params, &params)
		}
		return params.ProtocolVersion
	}
	return ""
}

func accepts(r *http.Request, contentType string) bool {
	accept := strings.Join(r.Header.Values("Accept"), ",")
	for _, token := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(token, ";", 2)[0])
		if mediaType == contentType || mediaType == "*/*" {
			return true
		}
		if slash := strings.IndexByte(mediaType, '/'); slash > 0 && mediaType[slash+1:] == "*" &&
			strings.HasPrefix(contentType, mediaType[:slash+1]) {
			return true
		}
	}
	return false
}

func writePriming(w io.Writer, streamID, cursor uint64, retry time.Duration) error {
	_, err := fmt.Fprintf(w, "retry: %d\nid: %s\n\n", retry.Milliseconds(), event.FormatEventID(streamID, cursor))
	return err
}

func writeEvent(w io.Writer, id string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: message\nid: %s\ndata: %s\n\n", id, data)
	return err
}
