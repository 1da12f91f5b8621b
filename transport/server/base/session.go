// Package base provides the server side session primitives shared by the
// HTTP and stdio transports: a live Session that implements
// transport.Transport for the protocol engine, per request stream accounting
// with durable event persistence, and a registry of live sessions.
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/viant/mcprpc"
	"github.com/viant/mcprpc/transport"
	"github.com/viant/mcprpc/transport/base"
	"github.com/viant/mcprpc/transport/server/event"
)

// StandaloneStream is the id of the session scoped stream a client opens
// with GET. Streams carrying responses to POSTed requests get ids from 1 up.
const StandaloneStream uint64 = 0

var (
	// ErrStreamClaimed is returned by AttachStream when the stream already
	// has a live consumer.
	ErrStreamClaimed = errors.New("stream already has an active consumer")

	// ErrSessionClosed is returned for operations on a terminated session.
	ErrSessionClosed = errors.New("session closed")
)

// Session is the server side of one logical connection. The HTTP handler
// delivers inbound messages through Deliver and consumes outbound events by
// attaching to streams; the protocol engine talks to the session through the
// transport.Transport contract.
//
// Outbound messages are routed by their related request id: a response and
// any notification related to an in-flight request go to the stream that
// carried the request, everything else goes to the standalone stream. Every
// routed message is appended to the event store before any consumer observes
// it, which makes replay after reconnect lossless.
type Session struct {
	base.Endpoint

	// ID is the opaque session identifier issued during initialize.
	ID string

	events event.Store
	logger mcprpc.Logger

	mu              sync.Mutex
	protocolVersion string
	nextStream      uint64
	requestStreams  map[string]uint64
	streamRequests  map[uint64]map[string]bool
	finished        map[uint64]bool
	signals         map[uint64]chan struct{}
	collectors      map[uint64]*Collector

	state      State
	createdAt  time.Time
	lastSeen   time.Time
	detachedAt time.Time

	done chan struct{}
}

// NewSession creates a live session backed by the supplied event store.
func NewSession(id string, events event.Store, logger mcprpc.Logger) *Session {
	if logger == nil {
		logger = mcprpc.DefaultLogger
	}
	now := time.Now()
	return &Session{
		ID:             id,
		events:         events,
		logger:         logger,
		requestStreams: make(map[string]uint64),
		streamRequests: make(map[uint64]map[string]bool),
		finished:       make(map[uint64]bool),
		signals:        make(map[uint64]chan struct{}),
		collectors:     make(map[uint64]*Collector),
		state:          StateActive,
		createdAt:      now,
		lastSeen:       now,
		done:           make(chan struct{}),
	}
}

// Start implements transport.Transport. Inbound messages arrive through
// Deliver, so there is nothing to spin up.
func (s *Session) Start(ctx context.Context) error {
	return nil
}

// Send implements transport.Transport. The message is routed onto a stream,
// appended to the event store and the stream consumer, when attached, is
// woken. Streams opened with a collector resolve responses in memory instead
// of persisting them.
func (s *Session) Send(ctx context.Context, message *mcprpc.Message, options *transport.SendOptions) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal outbound message: %w", err)
	}
	isResponse := message.Type == mcprpc.MessageTypeResponse || message.Type == mcprpc.MessageTypeError

	s.mu.Lock()
	if s.IsClosed() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	streamID := StandaloneStream
	relatedKey := ""
	if options != nil && options.RelatedRequestID != nil {
		key := transport.Key(options.RelatedRequestID)
		if owner, ok := s.requestStreams[key]; ok {
			streamID = owner
			relatedKey = key
		}
	}
	collector := s.collectors[streamID]
	if collector != nil && !isResponse {
		// Collector streams carry responses only; anything else falls back
		// to the standalone stream so it is not lost.
		streamID = StandaloneStream
		collector = s.collectors[streamID]
	}
	s.mu.Unlock()

	if collector != nil {
		collector.deliver(message.JsonRpcResponse)
		s.settleRequest(isResponse, relatedKey)
		return nil
	}

	if _, err := s.events.Append(ctx, s.ID, streamID, data); err != nil {
		return fmt.Errorf("failed to append event for stream %d: %w", streamID, err)
	}
	s.settleRequest(isResponse, relatedKey)
	s.wake(streamID)
	return nil
}

// settleRequest removes the response routing entry after the response event
// became durable, so a consumer that observes the stream as finished has
// already been handed every event.
func (s *Session) settleRequest(isResponse bool, key string) {
	if !isResponse || key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	streamID, ok := s.requestStreams[key]
	if !ok {
		return
	}
	delete(s.requestStreams, key)
	outstanding := s.streamRequests[streamID]
	if outstanding == nil {
		return
	}
	delete(outstanding, key)
	if len(outstanding) == 0 {
		delete(s.streamRequests, streamID)
		if streamID != StandaloneStream {
			s.finished[streamID] = true
		}
	}
}

// Close implements transport.Transport. It terminates every attached stream
// consumer, fails pending collectors and fires the close callback once.
func (s *Session) Close() error {
	if !s.MarkClosed() {
		return nil
	}
	s.mu.Lock()
	s.state = StateClosed
	collectors := make([]*Collector, 0, len(s.collectors))
	for _, collector := range s.collectors {
		collectors = append(collectors, collector)
	}
	s.collectors = map[uint64]*Collector{}
	signals := make([]chan struct{}, 0, len(s.signals))
	for _, signal := range s.signals {
		signals = append(signals, signal)
	}
	s.mu.Unlock()

	close(s.done)
	for _, collector := range collectors {
		collector.fail(ErrSessionClosed)
	}
	for _, signal := range signals {
		select {
		case signal <- struct{}{}:
		default:
		}
	}
	s.NotifyClosed()
	return nil
}

// Done is closed once the session terminated.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ReserveStreams advances the stream counter past ids an earlier incarnation
// of the session may have allocated, so replayable events of old streams are
// never overwritten after a rehydrate.
func (s *Session) ReserveStreams(watermark uint64) {
	s.mu.Lock()
	if watermark > s.nextStream {
		s.nextStream = watermark
	}
	s.mu.Unlock()
}

// StreamWatermark returns the highest allocated stream id.
func (s *Session) StreamWatermark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStream
}

// OpenStream allocates a stream for a POST carrying the given request keys
// and maps each key to it so responses and related notifications are routed
// back onto the same stream.
func (s *Session) OpenStream(requestKeys []string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextStream++
	streamID := s.nextStream
	outstanding := make(map[string]bool, len(requestKeys))
	for _, key := range requestKeys {
		s.requestStreams[key] = streamID
		outstanding[key] = true
	}
	s.streamRequests[streamID] = outstanding
	return streamID
}

// OpenCollector allocates a stream whose responses are collected for a plain
// JSON reply instead of being persisted for streaming.
func (s *Session) OpenCollector(requestKeys []string) (uint64, *Collector) {
	streamID := s.OpenStream(requestKeys)
	collector := newCollector(len(requestKeys))
	s.mu.Lock()
	s.collectors[streamID] = collector
	s.mu.Unlock()
	return streamID, collector
}

// ReleaseCollector discards the collector for a stream once the POST that
// opened it completed. Late messages mapped to the stream fall back to the
// standalone stream afterwards.
func (s *Session) ReleaseCollector(streamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collectors, streamID)
	for key, owner := range s.requestStreams {
		if owner == streamID {
			delete(s.requestStreams, key)
		}
	}
	delete(s.streamRequests, streamID)
}

// AttachStream claims the single consumer slot of a stream and returns the
// channel signalled when new events are available. Callers pair it with
// DetachStream.
func (s *Session) AttachStream(streamID uint64) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IsClosed() {
		return nil, ErrSessionClosed
	}
	if _, taken := s.signals[streamID]; taken {
		return nil, ErrStreamClaimed
	}
	signal := make(chan struct{}, 1)
	s.signals[streamID] = signal
	return signal, nil
}

// DetachStream releases the consumer slot of a stream.
func (s *Session) DetachStream(streamID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, streamID)
}

// StreamFinished reports whether every request carried by the stream has
// been answered. A true snapshot taken before replaying from the event store
// guarantees the replay includes the final response. Streams this session
// incarnation never opened count as finished, so resuming one after a
// rehydrate drains the store and closes instead of waiting forever.
func (s *Session) StreamFinished(streamID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if streamID == StandaloneStream {
		return false
	}
	if s.finished[streamID] {
		return true
	}
	return s.streamRequests[streamID] == nil
}

func (s *Session) wake(streamID uint64) {
	s.mu.Lock()
	signal := s.signals[streamID]
	s.mu.Unlock()
	if signal == nil {
		return
	}
	select {
	case signal <- struct{}{}:
	default:
	}
}

// Events exposes the event store the session persists outbound messages to.
func (s *Session) Events() event.Store {
	return s.events
}

// Purge releases every event the session wrote. Called after the session
// terminated for good; resumption is impossible afterwards.
func (s *Session) Purge(ctx context.Context) {
	s.mu.Lock()
	last := s.nextStream
	s.mu.Unlock()
	for streamID := uint64(0); streamID <= last; streamID++ {
		if err := s.events.Trim(ctx, s.ID, streamID, ^uint64(0)); err != nil {
			s.logger.Errorf("failed to trim stream %v/%d: %v", s.ID, streamID, err)
			return
		}
	}
}

// SetProtocolVersion records the protocol revision negotiated during
// initialize.
func (s *Session) SetProtocolVersion(version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
}

// ProtocolVersion returns the negotiated protocol revision, when known.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}
