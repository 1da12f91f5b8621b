// Package event provides durable, ordered storage for server sent events so
// HTTP streams can resume after a disconnect via Last-Event-ID.
package event

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Store persists ordered events per (session, stream). Append MUST be
// durable before the event is written to any network connection; replayed
// and live events for one stream never interleave out of order.
type Store interface {
	// Append durably stores data as the next event of the stream and
	// returns its 1-based index.
	Append(ctx context.Context, sessionID string, streamID uint64, data []byte) (uint64, error)

	// Replay invokes sink, in index order, for every stored event of the
	// stream with index greater than after. A missing stream replays nothing.
	Replay(ctx context.Context, sessionID string, streamID uint64, after uint64, sink func(index uint64, data []byte) error) error

	// Trim discards events of the stream with index less than or equal to
	// upTo. Implementations may retain fewer events than asked.
	Trim(ctx context.Context, sessionID string, streamID uint64, upTo uint64) error
}

// LastIndex returns the highest index currently retained for a stream, zero
// when the stream holds no events.
func LastIndex(ctx context.Context, store Store, sessionID string, streamID uint64) (uint64, error) {
	var last uint64
	err := store.Replay(ctx, sessionID, streamID, 0, func(index uint64, _ []byte) error {
		last = index
		return nil
	})
	return last, err
}

// FormatEventID renders the SSE event id for an event of a stream.
func FormatEventID(streamID, index uint64) string {
	return fmt.Sprintf("%d_%d", streamID, index)
}

// ParseEventID extracts stream id and event index from an SSE event id.
func ParseEventID(eventID string) (streamID, index uint64, err error) {
	parts := strings.SplitN(eventID, "_", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid event id: %q", eventID)
	}
	if streamID, err = strconv.ParseUint(parts[0], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid event id: %q", eventID)
	}
	if index, err = strconv.ParseUint(parts[1], 10, 64); err != nil {
		return 0, 0, fmt.Errorf("invalid event id: %q", eventID)
	}
	return streamID, index, nil
}
