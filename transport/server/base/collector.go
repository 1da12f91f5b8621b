package base

import (
	"context"
	"sync"

	"github.com/viant/mcprpc"
)

// Collector accumulates the responses of one POST when the handler answers
// with plain JSON instead of an event stream.
type Collector struct {
	mu        sync.Mutex
	expect    int
	responses []*mcprpc.Response
	err       error
	closed    bool
	done      chan struct{}
}

func newCollector(expect int) *Collector {
	return &Collector{expect: expect, done: make(chan struct{})}
}

func (c *Collector) deliver(response *mcprpc.Response) {
	if response == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.responses = append(c.responses, response)
	if len(c.responses) >= c.expect {
		c.closed = true
		close(c.done)
	}
}

func (c *Collector) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closed = true
	close(c.done)
}

// Wait blocks until every expected response arrived, the collector failed or
// the context expired. Responses are returned in arrival order.
func (c *Collector) Wait(ctx context.Context) ([]*mcprpc.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.responses, nil
}
