package auth

import (
	"strings"
	"time"
)

// Tokens is the token endpoint response document. ReceivedAt anchors the
// relative expires_in so persisted tokens keep an absolute expiry; it is
// stamped by the client flow on receipt and never travels on the wire.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ReceivedAt   time.Time `json:"-"`
}

// ExpiresAt returns the absolute expiry, or the zero time when the server
// did not communicate one or the receipt time is unknown.
func (t *Tokens) ExpiresAt() time.Time {
	if t == nil || t.ExpiresIn <= 0 || t.ReceivedAt.IsZero() {
		return time.Time{}
	}
	return t.ReceivedAt.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Expired reports whether the access token passed (or is within skew of)
// its expiry. Tokens without expiry information never report expired; a 401
// from the resource is the only signal for those.
func (t *Tokens) Expired(now time.Time, skew time.Duration) bool {
	expiresAt := t.ExpiresAt()
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(skew).After(expiresAt)
}

// ScopeList splits the space separated scope field.
func (t *Tokens) ScopeList() []string {
	if t == nil || t.Scope == "" {
		return nil
	}
	return strings.Fields(t.Scope)
}

// HasScope reports whether the granted scope covers every required entry.
func (t *Tokens) HasScope(required ...string) bool {
	granted := map[string]bool{}
	for _, scope := range t.ScopeList() {
		granted[scope] = true
	}
	for _, scope := range required {
		if !granted[scope] {
			return false
		}
	}
	return true
}
