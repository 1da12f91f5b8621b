package authserver

import (
	"context"
	"errors"
	"time"

	"github.com/viant/mcprpc/auth"
)

var (
	// ErrNotFound indicates no grant or client was found for the given id.
	ErrNotFound = errors.New("auth grant not found")
)

// GrantStore is the durable store behind issued codes and tokens.
// Implementations must be safe for concurrent use; a Redis-backed
// implementation is recommended for multi-instance deployments.
type GrantStore interface {
	// Put inserts or updates a grant. Implementations apply their configured
	// TTL defaults to grants without explicit expiries.
	Put(ctx context.Context, g *Grant) error

	// Get retrieves a grant by id. Returns ErrNotFound if missing or expired.
	Get(ctx context.Context, id string) (*Grant, error)

	// Consume atomically retrieves and deletes a grant, enforcing one-time
	// use for authorization codes. Returns ErrNotFound if missing or expired.
	Consume(ctx context.Context, id string) (*Grant, error)

	// Touch updates last-used timestamp and extends idle expiry (sliding TTL).
	Touch(ctx context.Context, id string, at time.Time) error

	// Rotate atomically replaces an existing grant with a new one in the same
	// family. The old grant stays readable for a short grace window with a
	// successor marker pointing at the replacement.
	Rotate(ctx context.Context, oldID string, newGrant *Grant) (string, error)

	// Revoke deletes a specific grant id immediately.
	Revoke(ctx context.Context, id string) error

	// RevokeFamily deletes all grants in the same family (logout-all).
	RevokeFamily(ctx context.Context, familyID string) error
}

// ClientStore persists dynamically registered OAuth clients.
type ClientStore interface {
	// PutClient inserts or updates a registration record.
	PutClient(ctx context.Context, client *auth.ClientInfo) error

	// GetClient retrieves a registration record by client id. Returns
	// ErrNotFound when the client is unknown.
	GetClient(ctx context.Context, clientID string) (*auth.ClientInfo, error)
}
