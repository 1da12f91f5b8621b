// Package session provides durable session records for stateful HTTP
// transports, keyed by the Mcp-Session-Id header. Records survive transport
// reconnects; a Redis implementation shares them across server instances.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no live session exists for the given id.
	ErrNotFound = errors.New("session not found")
)

// Record captures the durable state of one logical session.
type Record struct {
	// ID is the opaque session identifier issued during initialization.
	ID string `json:"id"`

	// Initialized marks that the initialize exchange completed.
	Initialized bool `json:"initialized"`

	// ProtocolVersion is the revision negotiated during initialization.
	ProtocolVersion string `json:"protocolVersion,omitempty"`

	// CreatedAt is when the session was established.
	CreatedAt time.Time `json:"createdAt"`

	// LastActivity is updated on every request within the session.
	LastActivity time.Time `json:"lastActivity"`

	// Meta carries implementation specific attributes.
	Meta map[string]string `json:"meta,omitempty"`
}

// Store persists session records. Implementations must be safe for
// concurrent use; expired sessions must not be returned.
type Store interface {
	// Put inserts or replaces a session record.
	Put(ctx context.Context, record *Record) error

	// Get retrieves a session record, or ErrNotFound when missing or expired.
	Get(ctx context.Context, id string) (*Record, error)

	// Exists reports whether the session id is live.
	Exists(ctx context.Context, id string) (bool, error)

	// Touch refreshes the session activity time, extending its expiry.
	// Touching a missing session is a no-op.
	Touch(ctx context.Context, id string, at time.Time) error

	// Delete removes a session record. Deleting a missing session is a no-op.
	Delete(ctx context.Context, id string) error
}
