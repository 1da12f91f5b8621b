package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/viant/mcprpc"
)

// RoundTrip represents a single outstanding request awaiting its response.
// It completes exactly once: through SetResponse, Fail or the owning
// registry's CloseWithError; later completions are ignored.
type RoundTrip struct {
	Request  *mcprpc.Request
	Response *mcprpc.Response
	err      error
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	cleanups []func()
}

// NewRoundTrip creates a new round trip
func NewRoundTrip(request *mcprpc.Request) *RoundTrip {
	return &RoundTrip{
		Request: request,
		done:    make(chan struct{}),
	}
}

// OnComplete registers fn to run when the trip completes. Registered after
// completion, fn runs immediately.
func (t *RoundTrip) OnComplete(fn func()) {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		fn()
		return
	default:
	}
	t.cleanups = append(t.cleanups, fn)
	t.mu.Unlock()
}

// Done exposes completion for select loops.
func (t *RoundTrip) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the trip completes, the context is done, or timeout
// elapses when timeout is positive.
func (t *RoundTrip) Wait(ctx context.Context, timeout time.Duration) (*mcprpc.Response, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, mcprpc.NewRequestTimeout("request timed out", map[string]interface{}{"timeout": timeout.Milliseconds()})
	case <-t.done:
		return t.Result()
	}
}

// Result returns the trip outcome. An error response yields both the
// response and its typed *mcprpc.Error.
func (t *RoundTrip) Result() (*mcprpc.Response, error) {
	if t.err != nil {
		return nil, t.err
	}
	if t.Response != nil && t.Response.Error != nil {
		return t.Response, t.Response.Error
	}
	return t.Response, nil
}

// SetError completes the trip with a protocol error response.
func (t *RoundTrip) SetError(error *mcprpc.Error) {
	t.complete(func() {
		t.Response = &mcprpc.Response{Id: t.Request.Id, Jsonrpc: mcprpc.Version, Error: error}
	})
}

// SetResponse completes the trip with the response.
func (t *RoundTrip) SetResponse(response *mcprpc.Response) {
	t.complete(func() {
		t.Response = response
	})
}

// Fail completes the trip with a transport or engine level error.
func (t *RoundTrip) Fail(err error) {
	t.complete(func() {
		t.err = err
	})
}

func (t *RoundTrip) complete(assign func()) {
	t.once.Do(func() {
		assign()
		close(t.done)
		t.mu.Lock()
		cleanups := t.cleanups
		t.cleanups = nil
		t.mu.Unlock()
		for _, fn := range cleanups {
			fn()
		}
	})
}

// RoundTrips tracks outstanding requests by id.
type RoundTrips struct {
	mu    sync.Mutex
	trips map[string]*RoundTrip
	error error
}

// NewRoundTrips creates a new round trips registry
func NewRoundTrips() *RoundTrips {
	return &RoundTrips{trips: make(map[string]*RoundTrip)}
}

// Add registers a new trip for the request id.
func (r *RoundTrips) Add(request *mcprpc.Request) (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.error != nil {
		return nil, r.error
	}
	key := Key(request.Id)
	if _, ok := r.trips[key]; ok {
		return nil, fmt.Errorf("duplicate request id: %v", request.Id)
	}
	trip := NewRoundTrip(request)
	r.trips[key] = trip
	return trip, nil
}

// Match removes and returns the trip for the response id. The caller owning
// the returned trip completes it; a missing trip means the response is late
// or was never requested.
func (r *RoundTrips) Match(id mcprpc.RequestId) (*RoundTrip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(id)
	trip, ok := r.trips[key]
	if !ok {
		return nil, fmt.Errorf("trip not found: %v", id)
	}
	delete(r.trips, key)
	return trip, nil
}

// Size returns the number of outstanding trips.
func (r *RoundTrips) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trips)
}

// CloseWithError fails every outstanding trip and rejects future adds.
func (r *RoundTrips) CloseWithError(err error) {
	r.mu.Lock()
	trips := r.trips
	r.trips = make(map[string]*RoundTrip)
	r.error = err
	r.mu.Unlock()
	for _, trip := range trips {
		trip.Fail(err)
	}
}

// Key normalizes a request id for map lookups so that a response id decoded
// as float64 matches the integer id it was sent with.
func Key(id mcprpc.RequestId) string {
	switch val := id.(type) {
	case string:
		return "s:" + val
	case int:
		return "n:" + strconv.FormatInt(int64(val), 10)
	case int8:
		return "n:" + strconv.FormatInt(int64(val), 10)
	case int16:
		return "n:" + strconv.FormatInt(int64(val), 10)
	case int32:
		return "n:" + strconv.FormatInt(int64(val), 10)
	case int64:
		return "n:" + strconv.FormatInt(val, 10)
	case uint:
		return "n:" + strconv.FormatUint(uint64(val), 10)
	case uint8:
		return "n:" + strconv.FormatUint(uint64(val), 10)
	case uint16:
		return "n:" + strconv.FormatUint(uint64(val), 10)
	case uint32:
		return "n:" + strconv.FormatUint(uint64(val), 10)
	case uint64:
		return "n:" + strconv.FormatUint(val, 10)
	case float32:
		return floatKey(float64(val))
	case float64:
		return floatKey(val)
	default:
		return fmt.Sprintf("v:%v", val)
	}
}

func floatKey(val float64) string {
	if val == float64(int64(val)) {
		return "n:" + strconv.FormatInt(int64(val), 10)
	}
	return "f:" + strconv.FormatFloat(val, 'g', -1, 64)
}
