// Package inmemory provides a paired transport that moves messages between
// two protocol instances in the same process, primarily for tests and
// embedded client/server setups.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
)

const defaultQueueSize = 64

// Transport is one endpoint of an in-memory pair. Messages sent on one
// endpoint arrive, in order, at the other endpoint's message callback.
type Transport struct {
	base.Endpoint
	sessionID string
	peer      *Transport
	queue     chan *mcprpc.Message
	done      chan struct{}
	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

// NewPair creates two connected endpoints sharing a session id.
func NewPair() (*Transport, *Transport) {
	sessionID := "inmemory"
	client := &Transport{sessionID: sessionID, queue: make(chan *mcprpc.Message, defaultQueueSize), done: make(chan struct{})}
	server := &Transport{sessionID: sessionID, queue: make(chan *mcprpc.Message, defaultQueueSize), done: make(chan struct{})}
	client.peer = server
	server.peer = client
	return client, server
}

// Start begins draining the inbound queue into the message callback.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("inmemory transport already started")
	}
	t.started = true
	t.mu.Unlock()
	go t.pump(ctx)
	return nil
}

func (t *Transport) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = t.Close()
			return
		case <-t.done:
			t.NotifyClosed()
			return
		case message := <-t.queue:
			t.Deliver(ctx, message, &transport.Extra{SessionID: t.sessionID})
		}
	}
}

// Send places the message on the peer's inbound queue.
func (t *Transport) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return fmt.Errorf("inmemory transport not started")
	}
	if t.IsClosed() || t.peer.IsClosed() {
		return fmt.Errorf("inmemory transport closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return fmt.Errorf("inmemory transport closed")
	case <-t.peer.done:
		return fmt.Errorf("inmemory transport closed")
	case t.peer.queue <- message:
		return nil
	}
}

// Close terminates both endpoints; each close callback fires exactly once.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.MarkClosed()
		close(t.done)
		t.NotifyClosed()
		go func() {
			_ = t.peer.Close()
		}()
	})
	return nil
}
