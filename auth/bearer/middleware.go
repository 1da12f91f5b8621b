// Package bearer enforces OAuth 2.1 bearer authorization on HTTP endpoints
// (RFC 6750): it extracts and verifies the token, checks expiry and scopes
// and attaches the verified identity to the request context.
package bearer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/viant/mcprpc/auth"
	"github.com/viant/mcprpc/transport"
)

const contentTypeJSON = "application/json"

// Verifier validates an access token and yields the verified identity.
// Returning an *auth.Error controls the error code sent to the client;
// any other error is reported as invalid_token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*transport.AuthInfo, error)
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(ctx context.Context, token string) (*transport.AuthInfo, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token string) (*transport.AuthInfo, error) {
	return f(ctx, token)
}

// Middleware guards HTTP handlers with bearer token authorization.
type Middleware struct {
	Options
	verifier Verifier
}

// New creates the middleware around a token verifier.
func New(verifier Verifier, options ...Option) *Middleware {
	m := &Middleware{verifier: verifier}
	for _, option := range options {
		option(&m.Options)
	}
	m.Options.init()
	return m
}

// Wrap returns a handler that admits only requests carrying a valid bearer
// token with the required scopes; the verified identity travels on the
// request context for downstream handlers.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := Token(r)
		if !ok {
			m.deny(w, http.StatusUnauthorized, auth.NewError(auth.ErrorInvalidToken, "a bearer token is required"))
			return
		}
		info, err := m.verifier.Verify(r.Context(), token)
		if err != nil {
			oauthErr := &auth.Error{}
			if !errors.As(err, &oauthErr) {
				m.Logger.Errorf("token verification failed: %v", err)
				oauthErr = auth.NewError(auth.ErrorInvalidToken, "token verification failed")
			}
			status := http.StatusUnauthorized
			if oauthErr.Code == auth.ErrorInsufficientScope {
				status = http.StatusForbidden
			}
			m.deny(w, status, oauthErr)
			return
		}
		// A verifier that establishes no expiry leaves the token unbounded;
		// such tokens are rejected.
		if info.Expired(time.Now()) {
			m.deny(w, http.StatusUnauthorized, auth.NewError(auth.ErrorInvalidToken, "token is expired"))
			return
		}
		if !info.HasScopes(m.Scopes...) {
			m.deny(w, http.StatusForbidden, auth.NewError(auth.ErrorInsufficientScope, "token is missing a required scope"))
			return
		}
		next.ServeHTTP(w, r.WithContext(transport.WithAuthInfo(r.Context(), info)))
	})
}

// deny writes the error body together with its WWW-Authenticate challenge.
func (m *Middleware) deny(w http.ResponseWriter, status int, oauthErr *auth.Error) {
	challenge := auth.NewChallenge(oauthErr.Code, oauthErr.Description)
	if len(m.Scopes) > 0 {
		challenge.WithScope(m.Scopes...)
	}
	if m.ResourceMetadataURL != "" {
		challenge.WithResourceMetadata(m.ResourceMetadataURL)
	}
	w.Header().Set("WWW-Authenticate", challenge.String())
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	data, err := json.Marshal(oauthErr)
	if err != nil {
		return
	}
	_, _ = w.Write(data)
}

// Token extracts the bearer token from the Authorization header; ok is
// false when the header is absent, carries another scheme or is empty.
func Token(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
