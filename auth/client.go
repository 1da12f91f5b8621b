package auth

import (
	"encoding/json"
	"time"
)

// ClientMetadata is the RFC 7591 registration request document.
type ClientMetadata struct {
	RedirectURIs            []string        `json:"redirect_uris"`
	TokenEndpointAuthMethod string          `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string        `json:"grant_types,omitempty"`
	ResponseTypes           []string        `json:"response_types,omitempty"`
	ClientName              string          `json:"client_name,omitempty"`
	ClientURI               string          `json:"client_uri,omitempty"`
	Scope                   string          `json:"scope,omitempty"`
	Contacts                []string        `json:"contacts,omitempty"`
	JWKS                    json.RawMessage `json:"jwks,omitempty"`
	JWKSURI                 string          `json:"jwks_uri,omitempty"`
}

// ClientInfo is the stored registration record: the submitted metadata plus
// the issued identifiers (RFC 7591 response document).
type ClientInfo struct {
	ClientMetadata
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`
}

// SecretExpired reports whether an issued secret passed its expiry.
// A zero client_secret_expires_at means the secret never expires.
func (c *ClientInfo) SecretExpired(now time.Time) bool {
	if c == nil || c.ClientSecret == "" || c.ClientSecretExpiresAt == 0 {
		return false
	}
	return now.Unix() >= c.ClientSecretExpiresAt
}

// AllowsRedirect reports whether the URI matches a registered redirect URI.
func (c *ClientInfo) AllowsRedirect(uri string) bool {
	if c == nil {
		return false
	}
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// AllowsGrant reports whether the client registered for the grant type.
// Clients without explicit grant_types default to authorization_code.
func (c *ClientInfo) AllowsGrant(grantType string) bool {
	if c == nil {
		return false
	}
	if len(c.GrantTypes) == 0 {
		return grantType == GrantAuthorizationCode
	}
	for _, registered := range c.GrantTypes {
		if registered == grantType {
			return true
		}
	}
	return false
}

// AuthMethod returns the registered token endpoint auth method, defaulting
// to client_secret_basic per RFC 7591.
func (c *ClientInfo) AuthMethod() string {
	if c == nil || c.TokenEndpointAuthMethod == "" {
		return AuthMethodBasic
	}
	return c.TokenEndpointAuthMethod
}
