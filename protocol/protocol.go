// Package protocol implements the symmetric JSON-RPC engine shared by
// clients and servers: request correlation, handler dispatch, cancellation,
// progress routing, timeouts and middleware. It drives any
// transport.Transport and leaves message framing to the transport.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
)

// DefaultRequestTimeout bounds a request when no timeout option is supplied.
const DefaultRequestTimeout = 60 * time.Second

const cancelSendTimeout = 5 * time.Second

var (
	// ErrNotConnected is returned when sending without a connected transport.
	ErrNotConnected = errors.New("protocol not connected")
	// ErrAlreadyConnected is returned by Connect on a connected protocol.
	ErrAlreadyConnected = errors.New("protocol already connected")
)

// RequestHandler serves one inbound request. The returned value is marshaled
// into the response result; returning *mcprpc.Error produces a protocol error
// response with that code, any other error an internal error response.
type RequestHandler func(ctx context.Context, request *mcprpc.Request) (interface{}, error)

// NotificationHandler serves one inbound notification.
type NotificationHandler func(ctx context.Context, notification *mcprpc.Notification) error

// ProgressHandler receives progress notifications correlated to a request.
// It runs on the transport delivery goroutine and must not block.
type ProgressHandler func(progress *mcprpc.ProgressParams)

// Middleware wraps inbound request handling.
type Middleware func(next RequestHandler) RequestHandler

// Sender submits an outbound request and waits for its response.
type Sender func(ctx context.Context, request *mcprpc.Request, options *RequestOptions) (*mcprpc.Response, error)

// SendMiddleware wraps outbound request sending.
type SendMiddleware func(next Sender) Sender

// NewProtocol creates a protocol instance for a freshly established session.
// Server transports call it once per session.
type NewProtocol func(ctx context.Context) *Protocol

// Protocol is a symmetric JSON-RPC engine. One instance serves exactly one
// connection at a time; Connect after Close reattaches it to a new transport.
type Protocol struct {
	logger                 mcprpc.Logger
	requestTimeout         time.Duration
	maxTotalTimeout        time.Duration
	resetTimeoutOnProgress bool
	onError                func(err error)
	onClose                func()

	mu        sync.Mutex
	transport transport.Transport
	trips     *transport.RoundTrips
	counter   uint64

	handlersMu                  sync.RWMutex
	requestHandlers             map[string]RequestHandler
	fallbackRequestHandler      RequestHandler
	notificationHandlers        map[string]NotificationHandler
	fallbackNotificationHandler NotificationHandler
	middleware                  []Middleware
	methodMiddleware            map[string][]Middleware
	sendMiddleware              []SendMiddleware

	inboundMu sync.Mutex
	inbound   map[string]*inboundRequest

	progressMu sync.Mutex
	progress   map[string]*progressRoute
}

type inboundRequest struct {
	cancel        context.CancelFunc
	mu            sync.Mutex
	peerCancelled bool
}

func (r *inboundRequest) cancelByPeer() {
	r.mu.Lock()
	r.peerCancelled = true
	r.mu.Unlock()
	r.cancel()
}

func (r *inboundRequest) cancelledByPeer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerCancelled
}

type progressRoute struct {
	handler    ProgressHandler
	onProgress func()
	retained   bool
}

// New creates a protocol engine with the supplied options.
func New(options ...Option) *Protocol {
	ret := &Protocol{
		logger:               mcprpc.DefaultLogger,
		requestTimeout:       DefaultRequestTimeout,
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		methodMiddleware:     make(map[string][]Middleware),
		inbound:              make(map[string]*inboundRequest),
		progress:             make(map[string]*progressRoute),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Connect attaches the protocol to a transport and starts it. A connected
// protocol rejects a second Connect until Close.
func (p *Protocol) Connect(ctx context.Context, t transport.Transport) error {
	p.mu.Lock()
	if p.transport != nil {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.transport = t
	p.trips = transport.NewRoundTrips()
	p.mu.Unlock()

	t.OnMessage(p.handleMessage)
	t.OnError(p.reportError)
	t.OnClose(func() {
		p.teardown(mcprpc.NewConnectionClosed("connection closed"))
	})
	if err := t.Start(ctx); err != nil {
		p.mu.Lock()
		p.transport = nil
		p.trips = nil
		p.mu.Unlock()
		return fmt.Errorf("failed to start transport: %w", err)
	}
	return nil
}

// Connected returns true while a transport is attached.
func (p *Protocol) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transport != nil
}

// Close terminates the underlying transport; every outstanding request fails
// with a connection closed error.
func (p *Protocol) Close() error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Close()
}

func (p *Protocol) teardown(cause error) {
	p.mu.Lock()
	trips := p.trips
	p.transport = nil
	p.trips = nil
	onClose := p.onClose
	p.mu.Unlock()
	if trips == nil {
		return
	}
	trips.CloseWithError(cause)

	p.inboundMu.Lock()
	inbound := p.inbound
	p.inbound = make(map[string]*inboundRequest)
	p.inboundMu.Unlock()
	for _, entry := range inbound {
		entry.cancel()
	}

	p.progressMu.Lock()
	p.progress = make(map[string]*progressRoute)
	p.progressMu.Unlock()

	if onClose != nil {
		onClose()
	}
}

// NextRequestID returns the next outbound request id.
func (p *Protocol) NextRequestID() mcprpc.RequestId {
	return int(atomic.AddUint64(&p.counter, 1))
}

// LastRequestID returns the most recently generated request id without
// mutating the underlying sequence counter.
func (p *Protocol) LastRequestID() mcprpc.RequestId {
	return int(atomic.LoadUint64(&p.counter))
}

// Request sends a request and waits for its response, the context, a timeout
// or connection shutdown, whichever comes first. An error response resolves
// to the response envelope plus its *mcprpc.Error.
func (p *Protocol) Request(ctx context.Context, request *mcprpc.Request, options *RequestOptions) (*mcprpc.Response, error) {
	p.handlersMu.RLock()
	middleware := p.sendMiddleware
	p.handlersMu.RUnlock()
	sender := p.send
	for i := len(middleware) - 1; i >= 0; i-- {
		sender = middleware[i](sender)
	}
	return sender(ctx, request, options)
}

// Call sends a method request and unmarshals its result into result when
// result is non-nil.
func (p *Protocol) Call(ctx context.Context, method string, parameters interface{}, result interface{}) error {
	request, err := mcprpc.NewRequest(method, parameters)
	if err != nil {
		return err
	}
	response, err := p.Request(ctx, request, nil)
	if err != nil {
		return err
	}
	if result == nil || len(response.Result) == 0 {
		return nil
	}
	return json.Unmarshal(response.Result, result)
}

// Notify sends a notification to the peer.
func (p *Protocol) Notify(ctx context.Context, notification *mcprpc.Notification) error {
	return p.notify(ctx, notification, nil)
}

func (p *Protocol) notify(ctx context.Context, notification *mcprpc.Notification, options *NotificationOptions) error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	if notification.Jsonrpc == "" {
		notification.Jsonrpc = mcprpc.Version
	}
	sendOptions := &transport.SendOptions{}
	if options != nil {
		sendOptions.RelatedRequestID = options.RelatedRequestID
	}
	return t.Send(ctx, mcprpc.NewNotificationMessage(notification), sendOptions)
}

func (p *Protocol) send(ctx context.Context, request *mcprpc.Request, options *RequestOptions) (*mcprpc.Response, error) {
	p.mu.Lock()
	t := p.transport
	trips := p.trips
	p.mu.Unlock()
	if t == nil || trips == nil {
		return nil, ErrNotConnected
	}
	if options == nil {
		options = &RequestOptions{}
	}
	if request.Jsonrpc == "" {
		request.Jsonrpc = mcprpc.Version
	}
	if request.Id == nil {
		request.Id = p.NextRequestID()
	}
	if options.OnProgress != nil {
		params, err := mcprpc.WithProgressToken(request.Params, request.Id)
		if err != nil {
			return nil, err
		}
		request.Params = params
	}
	trip, err := trips.Add(request)
	if err != nil {
		return nil, err
	}

	timeout := options.Timeout
	if timeout <= 0 {
		timeout = p.requestTimeout
	}
	maxTotal := options.MaxTotalTimeout
	if maxTotal <= 0 {
		maxTotal = p.maxTotalTimeout
	}
	resetOnProgress := options.ResetTimeoutOnProgress || p.resetTimeoutOnProgress
	started := time.Now()

	var timerMu sync.Mutex
	timer := time.AfterFunc(timeout, func() {
		p.abortRequest(request.Id, timeoutError(timeout, maxTotal, time.Since(started)), "request timed out")
	})
	resetTimeout := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		window := timeout
		if maxTotal > 0 {
			remaining := maxTotal - time.Since(started)
			if remaining < window {
				window = remaining
			}
			if window <= 0 {
				window = time.Nanosecond
			}
		}
		timer.Reset(window)
	}

	key := transport.Key(request.Id)
	if options.OnProgress != nil || resetOnProgress {
		route := &progressRoute{handler: options.OnProgress}
		if resetOnProgress {
			route.onProgress = resetTimeout
		}
		p.progressMu.Lock()
		p.progress[key] = route
		p.progressMu.Unlock()
	}
	trip.OnComplete(func() {
		timerMu.Lock()
		timer.Stop()
		timerMu.Unlock()
		p.releaseProgress(key, false)
	})

	sendOptions := &transport.SendOptions{
		RelatedRequestID:  options.RelatedRequestID,
		ResumptionToken:   options.ResumptionToken,
		OnResumptionToken: options.OnResumptionToken,
	}
	if err := t.Send(ctx, mcprpc.NewRequestMessage(request), sendOptions); err != nil {
		if pending, mErr := trips.Match(request.Id); mErr == nil {
			pending.Fail(err)
		}
		return nil, err
	}

	select {
	case <-ctx.Done():
		p.abortRequest(request.Id, ctx.Err(), cancelReason(ctx))
		<-trip.Done()
	case <-trip.Done():
	}
	return trip.Result()
}

// abortRequest resolves an in-flight outbound request with failure and lets
// the peer know it can stop working on it. The first resolution wins; late
// responses and late timeouts are no-ops.
func (p *Protocol) abortRequest(id mcprpc.RequestId, failure error, reason string) {
	p.mu.Lock()
	t := p.transport
	trips := p.trips
	p.mu.Unlock()
	if trips == nil {
		return
	}
	trip, err := trips.Match(id)
	if err != nil {
		return
	}
	if t != nil {
		if notification, nErr := mcprpc.NewCancelledNotification(id, reason); nErr == nil {
			sendCtx, cancel := context.WithTimeout(context.Background(), cancelSendTimeout)
			if sErr := t.Send(sendCtx, mcprpc.NewNotificationMessage(notification), &transport.SendOptions{RelatedRequestID: id}); sErr != nil {
				p.reportError(fmt.Errorf("failed to send cancellation for request %v: %w", id, sErr))
			}
			cancel()
		}
	}
	trip.Fail(failure)
}

// RetainProgress keeps the progress route for a request id alive after the
// request resolved, so late progress notifications still reach the handler.
func (p *Protocol) RetainProgress(id mcprpc.RequestId) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if route, ok := p.progress[transport.Key(id)]; ok {
		route.retained = true
	}
}

// ReleaseProgress removes a progress route previously kept alive with
// RetainProgress.
func (p *Protocol) ReleaseProgress(id mcprpc.RequestId) {
	p.releaseProgress(transport.Key(id), true)
}

func (p *Protocol) releaseProgress(key string, force bool) {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	if route, ok := p.progress[key]; ok {
		if route.retained && !force {
			route.onProgress = nil
			return
		}
		delete(p.progress, key)
	}
}

// SetRequestHandler registers or replaces the handler for a method.
func (p *Protocol) SetRequestHandler(method string, handler RequestHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.requestHandlers[method] = handler
}

// RemoveRequestHandler removes the handler for a method.
func (p *Protocol) RemoveRequestHandler(method string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	delete(p.requestHandlers, method)
}

// SetNotificationHandler registers or replaces the handler for a notification method.
func (p *Protocol) SetNotificationHandler(method string, handler NotificationHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.notificationHandlers[method] = handler
}

// RemoveNotificationHandler removes the handler for a notification method.
func (p *Protocol) RemoveNotificationHandler(method string) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	delete(p.notificationHandlers, method)
}

// Use appends middleware applied to every inbound request.
func (p *Protocol) Use(middleware ...Middleware) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.middleware = append(p.middleware, middleware...)
}

// UseForMethod appends middleware applied only to the supplied method.
func (p *Protocol) UseForMethod(method string, middleware ...Middleware) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.methodMiddleware[method] = append(p.methodMiddleware[method], middleware...)
}

// UseSend appends middleware applied to every outbound request.
func (p *Protocol) UseSend(middleware ...SendMiddleware) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.sendMiddleware = append(p.sendMiddleware, middleware...)
}

func (p *Protocol) handleMessage(ctx context.Context, message *mcprpc.Message, extra *transport.Extra) {
	switch message.Type {
	case mcprpc.MessageTypeRequest:
		p.handleRequest(ctx, message.JsonRpcRequest, extra)
	case mcprpc.MessageTypeNotification:
		p.handleNotification(ctx, message.JsonRpcNotification)
	case mcprpc.MessageTypeResponse, mcprpc.MessageTypeError:
		p.handleResponse(message.JsonRpcResponse)
	default:
		p.reportError(fmt.Errorf("received message of unknown type: %v", message.Type))
	}
}

func (p *Protocol) handleResponse(response *mcprpc.Response) {
	p.mu.Lock()
	trips := p.trips
	p.mu.Unlock()
	if trips == nil {
		return
	}
	trip, err := trips.Match(response.Id)
	if err != nil {
		p.reportError(fmt.Errorf("received response for unknown request id: %v", response.Id))
		return
	}
	trip.SetResponse(response)
}

func (p *Protocol) handleRequest(ctx context.Context, request *mcprpc.Request, extra *transport.Extra) {
	handler := p.effectiveHandler(request.Method)
	if handler == nil {
		p.respondError(ctx, request.Id, mcprpc.NewMethodNotFound(fmt.Sprintf("method %q not found", request.Method), nil))
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	entry := &inboundRequest{cancel: cancel}
	key := transport.Key(request.Id)
	p.inboundMu.Lock()
	p.inbound[key] = entry
	p.inboundMu.Unlock()

	caller := &Caller{
		RequestID:     request.Id,
		Method:        request.Method,
		ProgressToken: mcprpc.ProgressTokenFromParams(request.Params),
		protocol:      p,
	}
	if extra != nil {
		caller.SessionID = extra.SessionID
		caller.AuthInfo = extra.AuthInfo
		caller.Header = extra.Header
	}
	handlerCtx = withCaller(handlerCtx, caller)

	go func() {
		defer func() {
			p.inboundMu.Lock()
			delete(p.inbound, key)
			p.inboundMu.Unlock()
			cancel()
			if r := recover(); r != nil {
				p.reportError(fmt.Errorf("handler for %v paniced: %v", request.Method, r))
				if !entry.cancelledByPeer() {
					p.respondError(ctx, request.Id, mcprpc.NewInternalError("internal error", nil))
				}
			}
		}()
		result, err := handler(handlerCtx, request)
		if entry.cancelledByPeer() {
			return
		}
		if err != nil {
			p.respondError(ctx, request.Id, asJSONRPCError(err))
			return
		}
		data, mErr := marshalResult(result)
		if mErr != nil {
			p.reportError(fmt.Errorf("failed to marshal result for %v: %w", request.Method, mErr))
			p.respondError(ctx, request.Id, mcprpc.NewInternalError("failed to marshal result", nil))
			return
		}
		p.respond(ctx, mcprpc.NewResponse(request.Id, data))
	}()
}

func (p *Protocol) handleNotification(ctx context.Context, notification *mcprpc.Notification) {
	switch notification.Method {
	case mcprpc.NotificationCancelled:
		params := &mcprpc.CancelledParams{}
		if err := json.Unmarshal(notification.Params, params); err != nil {
			p.reportError(fmt.Errorf("failed to parse cancellation: %w", err))
			return
		}
		p.inboundMu.Lock()
		entry := p.inbound[transport.Key(params.RequestId)]
		p.inboundMu.Unlock()
		if entry != nil {
			entry.cancelByPeer()
		}
		return
	case mcprpc.NotificationProgress:
		params := &mcprpc.ProgressParams{}
		if err := json.Unmarshal(notification.Params, params); err != nil {
			p.reportError(fmt.Errorf("failed to parse progress: %w", err))
			return
		}
		p.progressMu.Lock()
		route := p.progress[transport.Key(params.ProgressToken)]
		p.progressMu.Unlock()
		if route == nil {
			return
		}
		if route.onProgress != nil {
			route.onProgress()
		}
		if route.handler != nil {
			route.handler(params)
		}
		return
	}

	p.handlersMu.RLock()
	handler, ok := p.notificationHandlers[notification.Method]
	if !ok {
		handler = p.fallbackNotificationHandler
	}
	p.handlersMu.RUnlock()
	if handler == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.reportError(fmt.Errorf("notification handler for %v paniced: %v", notification.Method, r))
			}
		}()
		if err := handler(ctx, notification); err != nil {
			p.reportError(fmt.Errorf("notification handler for %v: %w", notification.Method, err))
		}
	}()
}

// effectiveHandler resolves the handler for a method and wraps it with the
// configured middleware: global middleware outermost, then method middleware.
func (p *Protocol) effectiveHandler(method string) RequestHandler {
	p.handlersMu.RLock()
	defer p.handlersMu.RUnlock()
	handler, ok := p.requestHandlers[method]
	if !ok {
		handler = p.fallbackRequestHandler
	}
	if handler == nil {
		if method == mcprpc.MethodPing {
			handler = pingHandler
		} else {
			return nil
		}
	}
	for i := len(p.methodMiddleware[method]) - 1; i >= 0; i-- {
		handler = p.methodMiddleware[method][i](handler)
	}
	for i := len(p.middleware) - 1; i >= 0; i-- {
		handler = p.middleware[i](handler)
	}
	return handler
}

func pingHandler(ctx context.Context, request *mcprpc.Request) (interface{}, error) {
	return json.RawMessage("{}"), nil
}

func (p *Protocol) respond(ctx context.Context, response *mcprpc.Response) {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return
	}
	options := &transport.SendOptions{RelatedRequestID: response.Id}
	if err := t.Send(ctx, mcprpc.NewResponseMessage(response), options); err != nil {
		p.reportError(fmt.Errorf("failed to send response for request %v: %w", response.Id, err))
	}
}

func (p *Protocol) respondError(ctx context.Context, id mcprpc.RequestId, jsonrpcError *mcprpc.Error) {
	p.respond(ctx, mcprpc.NewErrorResponse(id, jsonrpcError))
}

func (p *Protocol) reportError(err error) {
	if err == nil {
		return
	}
	if p.onError != nil {
		p.onError(err)
		return
	}
	p.logger.Errorf("protocol: %v", err)
}

func marshalResult(result interface{}) ([]byte, error) {
	switch actual := result.(type) {
	case nil:
		return []byte("{}"), nil
	case json.RawMessage:
		return actual, nil
	case []byte:
		return actual, nil
	default:
		return json.Marshal(actual)
	}
}

func asJSONRPCError(err error) *mcprpc.Error {
	var jsonrpcError *mcprpc.Error
	if errors.As(err, &jsonrpcError) {
		return jsonrpcError
	}
	return mcprpc.NewInternalError(err.Error(), nil)
}

func timeoutError(timeout, maxTotal time.Duration, elapsed time.Duration) *mcprpc.Error {
	data := map[string]interface{}{"timeout": timeout.Milliseconds()}
	if maxTotal > 0 {
		data["maxTotalTimeout"] = maxTotal.Milliseconds()
		data["totalElapsed"] = elapsed.Milliseconds()
	}
	return mcprpc.NewRequestTimeout("request timed out", data)
}

func cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "request deadline exceeded"
	}
	return "request cancelled"
}
