package base

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
)

// Endpoint carries the callback half of a transport implementation: callback
// registration, guarded delivery and exactly-once close notification.
// Transports embed it and call Deliver, Fail and NotifyClosed.
type Endpoint struct {
	mu        sync.RWMutex
	onMessage transport.MessageFunc
	onError   func(err error)
	onClose   func()
	closeOnce sync.Once
	closed    int32
}

// OnMessage registers the inbound message callback.
func (e *Endpoint) OnMessage(handler transport.MessageFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = handler
}

// OnError registers the error callback.
func (e *Endpoint) OnError(handler func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = handler
}

// OnClose registers the close callback.
func (e *Endpoint) OnClose(handler func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = handler
}

// Deliver invokes the message callback when registered.
func (e *Endpoint) Deliver(ctx context.Context, message *mcprpc.Message, extra *transport.Extra) {
	e.mu.RLock()
	handler := e.onMessage
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if extra == nil {
		extra = &transport.Extra{}
	}
	handler(ctx, message, extra)
}

// Fail invokes the error callback when registered.
func (e *Endpoint) Fail(err error) {
	if err == nil {
		return
	}
	e.mu.RLock()
	handler := e.onError
	e.mu.RUnlock()
	if handler != nil {
		handler(err)
	}
}

// MarkClosed flips the endpoint into the closed state; it returns true only
// for the caller that performed the transition.
func (e *Endpoint) MarkClosed() bool {
	return atomic.CompareAndSwapInt32(&e.closed, 0, 1)
}

// IsClosed returns true once the endpoint was closed.
func (e *Endpoint) IsClosed() bool {
	return atomic.LoadInt32(&e.closed) == 1
}

// NotifyClosed fires the close callback exactly once.
func (e *Endpoint) NotifyClosed() {
	e.closeOnce.Do(func() {
		atomic.StoreInt32(&e.closed, 1)
		e.mu.RLock()
		handler := e.onClose
		e.mu.RUnlock()
		if handler != nil {
			handler()
		}
	})
}
