// Package auth holds the OAuth 2.1 wire documents shared by the
// authorization server handlers, the client flow and the bearer middleware:
// token responses, client records, server metadata and WWW-Authenticate
// challenges.
package auth

const (
	// MetadataPath is the RFC 8414 well-known path for authorization server metadata.
	MetadataPath = "/.well-known/oauth-authorization-server"

	// ProtectedResourcePath is the RFC 9728 well-known path for protected resource metadata.
	ProtectedResourcePath = "/.well-known/oauth-protected-resource"
)

const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

const (
	AuthMethodBasic         = "client_secret_basic"
	AuthMethodPost          = "client_secret_post"
	AuthMethodNone          = "none"
	AuthMethodPrivateKeyJWT = "private_key_jwt"
)
