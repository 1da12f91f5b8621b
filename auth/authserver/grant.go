// Package authserver implements the OAuth 2.1 authorization server side:
// metadata, dynamic client registration, PKCE authorization, token exchange
// with refresh rotation, and revocation. Issued credentials are durable
// grants held in a pluggable store; memory and Redis implementations ship
// with the package.
package authserver

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the credential classes a grant can back.
type Kind string

const (
	// KindCode is a one-time authorization code bound to a PKCE challenge.
	KindCode Kind = "code"
	// KindAccess is a bearer access token.
	KindAccess Kind = "access"
	// KindRefresh is a rotating refresh token.
	KindRefresh Kind = "refresh"
)

// Grant is the durable server-side record behind one issued credential.
// The grant id is the credential value itself; FamilyID ties an
// authorization together across refresh rotations so revoking the refresh
// token retires every access token it produced.
type Grant struct {
	// ID is the opaque credential value (code or token).
	ID string
	// Kind tells which credential class the grant backs.
	Kind Kind
	// FamilyID groups the grants of one authorization for rotation and
	// logout-all semantics.
	FamilyID string

	// ClientID is the OAuth client the credential was issued to.
	ClientID string
	// Subject identifies the authenticated principal.
	Subject string
	// Scopes granted to this credential.
	Scopes []string
	// Resource is the RFC 8707 audience the credential is bound to, if any.
	Resource string

	// RedirectURI is bound at authorization time and checked at exchange
	// (codes only).
	RedirectURI string
	// CodeChallenge is the PKCE S256 challenge (codes only).
	CodeChallenge string

	// CreatedAt is when the grant was issued.
	CreatedAt time.Time
	// LastUsedAt is updated on use (for sliding TTL logic).
	LastUsedAt time.Time
	// ExpiresAt is the idle expiration time (sliding TTL).
	ExpiresAt time.Time
	// MaxExpiresAt is the absolute expiration cap.
	MaxExpiresAt time.Time

	// Meta carries implementation details such as rotation successors.
	Meta map[string]string
}

// Meta keys maintained by the provider and the stores.
const (
	// metaAccess on a refresh grant points at its paired access token.
	metaAccess = "access"
	// metaSuccessor on a rotated-out refresh grant points at its replacement.
	metaSuccessor = "successor"
)

// NewGrant creates a grant of the given kind with a fresh random credential
// value and its own family.
func NewGrant(kind Kind, clientID, subject string) (*Grant, error) {
	id, err := NewToken()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Grant{
		ID:         id,
		Kind:       kind,
		FamilyID:   uuid.New().String(),
		ClientID:   clientID,
		Subject:    subject,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// NewToken returns a URL-safe random credential value (32 bytes of entropy).
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// SetMeta records a metadata entry, allocating the map on first use.
func (g *Grant) SetMeta(key, value string) {
	if g.Meta == nil {
		g.Meta = map[string]string{}
	}
	g.Meta[key] = value
}

// MetaValue returns a metadata entry, or empty when absent.
func (g *Grant) MetaValue(key string) string {
	if g == nil || g.Meta == nil {
		return ""
	}
	return g.Meta[key]
}
